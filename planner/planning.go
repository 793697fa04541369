package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// ShortPlanningTool turns a structured requirements document into a
// short-term execution plan. Generated plans are normalized so downstream
// consumers can rely on the document shape: missing phases fall back to a
// standard three-phase plan and missing milestones are derived from the
// phase names.
type ShortPlanningTool struct {
	backend model.Model
}

// NewShortPlanningTool creates the short planning tool over the given
// backend.
func NewShortPlanningTool(backend model.Model) *ShortPlanningTool {
	return &ShortPlanningTool{backend: backend}
}

// Name returns the tool identifier.
func (t *ShortPlanningTool) Name() string { return "short_planning" }

// Description returns the tool description shown to models.
func (t *ShortPlanningTool) Description() string {
	return "Generate a short-term project plan from the requirements analysis, " +
		"covering development phases, milestones, task breakdown and time estimates."
}

// Parameters returns the JSON schema for tool arguments.
func (t *ShortPlanningTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"structured_requirements": map[string]any{
				"type":        "object",
				"description": "Structured requirements, typically the output of the requirements_analysis tool",
			},
		},
		"required": []string{"structured_requirements"},
	}
}

// Call generates the execution plan with one backend call and returns the
// normalized plan document.
func (t *ShortPlanningTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	requirements := mapOf(args["structured_requirements"])
	if len(requirements) == 0 {
		return nil, errors.New("structured_requirements is required")
	}

	doc, err := generateDocument(toolCtx.Context(), t.backend, buildPlanningPrompt(requirements))
	if err != nil {
		return nil, fmt.Errorf("short planning failed: %w", err)
	}
	return normalizePlan(doc), nil
}

func buildPlanningPrompt(requirements map[string]any) string {
	var b strings.Builder
	b.WriteString("Based on the following structured requirements, generate a clear, executable short-term project plan.\n\n")
	b.WriteString("Structured requirements:\n")
	b.WriteString(renderJSON(requirements))
	b.WriteString("\n\n")
	b.WriteString(`Return the plan as JSON:

{
    "planning_approach": "waterfall|agile|hybrid",
    "execution_phases": [
        {
            "phase_id": "phase_1",
            "phase_name": "phase name",
            "description": "phase description",
            "deliverables": ["..."],
            "dependencies": ["ids of prerequisite phases"],
            "risks": ["..."],
            "success_criteria": ["..."],
            "estimated_duration": "..."
        }
    ],
    "milestones": ["..."],
    "resource_requirements": {
        "human_resources": ["..."],
        "technical_resources": ["..."],
        "external_dependencies": ["..."]
    },
    "timeline_overview": {
        "critical_path": ["ids of phases on the critical path"],
        "total_estimated_time": "..."
    },
    "quality_assurance": {
        "review_points": ["..."],
        "testing_strategy": "...",
        "validation_methods": ["..."]
    }
}

Split the work into phases with clear goals and deliverables, keep the dependencies consistent with the development order and account for the stated constraints. Output only the JSON document, without code fences.`)
	return b.String()
}

// normalizePlan fills the structural defaults of a generated plan.
func normalizePlan(doc map[string]any) map[string]any {
	approach := stringOf(doc["planning_approach"])
	if approach == "" {
		approach = "hybrid"
	}

	phases := listOf(doc["execution_phases"])
	if len(phases) == 0 {
		phases = defaultPhases()
	}
	for i, entry := range phases {
		phase := mapOf(entry)
		if phase == nil {
			continue
		}
		if stringOf(phase["phase_id"]) == "" {
			phase["phase_id"] = fmt.Sprintf("phase_%d", i+1)
		}
		if stringOf(phase["phase_name"]) == "" {
			phase["phase_name"] = fmt.Sprintf("Phase %d", i+1)
		}
		for _, key := range []string{"deliverables", "dependencies", "risks", "success_criteria"} {
			if _, ok := phase[key]; !ok {
				phase[key] = []any{}
			}
		}
	}

	milestones := listOf(doc["milestones"])
	if len(milestones) == 0 {
		for _, entry := range phases {
			if phase := mapOf(entry); phase != nil {
				milestones = append(milestones, fmt.Sprintf("%s complete", stringOf(phase["phase_name"])))
			}
		}
	}

	resources := mapOf(doc["resource_requirements"])
	if len(resources) == 0 {
		resources = map[string]any{
			"human_resources":       []any{},
			"technical_resources":   []any{},
			"external_dependencies": []any{},
		}
	}

	timeline := mapOf(doc["timeline_overview"])
	if timeline == nil {
		timeline = map[string]any{}
	}

	quality := mapOf(doc["quality_assurance"])
	if len(quality) == 0 {
		quality = map[string]any{
			"review_points":      []any{},
			"testing_strategy":   "",
			"validation_methods": []any{},
		}
	}

	return map[string]any{
		"planning_approach":     approach,
		"execution_phases":      phases,
		"milestones":            milestones,
		"resource_requirements": resources,
		"timeline_overview":     timeline,
		"quality_assurance":     quality,
	}
}

// defaultPhases is the fallback plan used when the backend returns no
// usable phases.
func defaultPhases() []any {
	return []any{
		map[string]any{
			"phase_id":         "phase_1",
			"phase_name":       "Requirements confirmation and design",
			"description":      "Confirm the requirements and produce the initial design",
			"deliverables":     []any{"requirements specification", "system design document"},
			"dependencies":     []any{},
			"risks":            []any{"requirement changes"},
			"success_criteria": []any{"requirements confirmed", "design review passed"},
		},
		map[string]any{
			"phase_id":         "phase_2",
			"phase_name":       "Development",
			"description":      "Implement the core functionality",
			"deliverables":     []any{"feature modules", "unit tests"},
			"dependencies":     []any{"phase_1"},
			"risks":            []any{"implementation complexity"},
			"success_criteria": []any{"features complete", "tests passing"},
		},
		map[string]any{
			"phase_id":         "phase_3",
			"phase_name":       "Testing and deployment",
			"description":      "System testing and production rollout",
			"deliverables":     []any{"test report", "deployment documentation"},
			"dependencies":     []any{"phase_2"},
			"risks":            []any{"deployment issues"},
			"success_criteria": []any{"testing complete", "deployed successfully"},
		},
	}
}
