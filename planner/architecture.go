package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// ArchitectureDesignTool turns the accumulated pipeline documents into a
// system architecture design. Requirements are mandatory; the plan and the
// research findings sharpen the design when present.
type ArchitectureDesignTool struct {
	backend model.Model
}

// NewArchitectureDesignTool creates the architecture design tool over the
// given backend.
func NewArchitectureDesignTool(backend model.Model) *ArchitectureDesignTool {
	return &ArchitectureDesignTool{backend: backend}
}

// Name returns the tool identifier.
func (t *ArchitectureDesignTool) Name() string { return "architecture_design" }

// Description returns the tool description shown to models.
func (t *ArchitectureDesignTool) Description() string {
	return "Produce a detailed system architecture design covering the technical, " +
		"deployment and data architecture."
}

// Parameters returns the JSON schema for tool arguments.
func (t *ArchitectureDesignTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"structured_requirements": map[string]any{
				"type":        "object",
				"description": "Project requirements, typically the output of the requirements_analysis tool",
			},
			"confirmation_document": map[string]any{
				"type":        "object",
				"description": "Project plan, optionally the output of the short_planning tool",
			},
			"research_findings": map[string]any{
				"type":        "object",
				"description": "Research results, optionally the output of the research tool",
			},
		},
		"required": []string{"structured_requirements"},
	}
}

// Call generates the design document with one backend call. A reply
// without an architecture section fails the call.
func (t *ArchitectureDesignTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	requirements := mapOf(args["structured_requirements"])
	if len(requirements) == 0 {
		return nil, errors.New("structured_requirements is required")
	}
	plan := mapOf(args["confirmation_document"])
	findings := mapOf(args["research_findings"])

	doc, err := generateDocument(toolCtx.Context(), t.backend, buildArchitecturePrompt(requirements, plan, findings))
	if err != nil {
		return nil, fmt.Errorf("architecture design failed: %w", err)
	}
	if len(mapOf(doc["architecture"])) == 0 {
		return nil, errors.New("design reply is missing the architecture section")
	}
	return doc, nil
}

func buildArchitecturePrompt(requirements, plan, findings map[string]any) string {
	var b strings.Builder
	b.WriteString("Design the system architecture for the following project.\n\n")
	b.WriteString("Structured requirements:\n")
	b.WriteString(renderJSON(requirements))
	b.WriteString("\n\n")
	if len(plan) > 0 {
		b.WriteString("Project plan:\n")
		b.WriteString(renderJSON(plan))
		b.WriteString("\n\n")
	}
	if len(findings) > 0 {
		b.WriteString("Research findings:\n")
		b.WriteString(renderJSON(findings))
		b.WriteString("\n\n")
	}
	b.WriteString(`Return the design as JSON:

{
    "project_name": "...",
    "architecture": {
        "style": "layered|microservices|event_driven|modular_monolith",
        "overview": "...",
        "components": [
            {
                "name": "component name",
                "responsibility": "...",
                "depends_on": ["names of other components"]
            }
        ],
        "patterns": ["..."]
    },
    "technology_stack": {
        "language": "...",
        "frameworks": ["..."],
        "storage": ["..."],
        "infrastructure": ["..."]
    },
    "data_architecture": {
        "entities": ["..."],
        "storage_strategy": "...",
        "data_flows": ["..."]
    },
    "deployment_architecture": {
        "environments": ["..."],
        "scaling_strategy": "...",
        "monitoring": "..."
    }
}

Keep the design grounded in the requirements, reuse the research findings where they apply and prefer the simplest architecture that satisfies the stated constraints. Output only the JSON document, without code fences.`)
	return b.String()
}
