package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// RequirementsAnalysisTool turns a raw requirement description into the
// structured requirements document the rest of the catalog consumes.
//
// A reply that cannot be decoded or lacks the required document fields is
// replaced with a low-confidence default document instead of failing the
// call; only backend errors fail the tool.
type RequirementsAnalysisTool struct {
	backend model.Model
}

// NewRequirementsAnalysisTool creates the requirements analysis tool over
// the given backend.
func NewRequirementsAnalysisTool(backend model.Model) *RequirementsAnalysisTool {
	return &RequirementsAnalysisTool{backend: backend}
}

// Name returns the tool identifier.
func (t *RequirementsAnalysisTool) Name() string { return "requirements_analysis" }

// Description returns the tool description shown to models.
func (t *RequirementsAnalysisTool) Description() string {
	return "Analyze user requirements and produce a structured requirements document " +
		"covering the project overview, functional requirements and non-functional requirements."
}

// Parameters returns the JSON schema for tool arguments.
func (t *RequirementsAnalysisTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_input": map[string]any{
				"type":        "string",
				"description": "The user's original requirement description in natural language",
			},
		},
		"required": []string{"user_input"},
	}
}

// Call analyzes the requirement description with one backend call and
// returns the structured requirements document.
func (t *RequirementsAnalysisTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	userInput := stringArg(args, "user_input")
	if userInput == "" {
		return nil, errors.New("user_input is required")
	}

	raw, err := generateText(toolCtx.Context(), t.backend, buildRequirementsPrompt(userInput))
	if err != nil {
		return nil, fmt.Errorf("requirements analysis failed: %w", err)
	}

	doc, err := decodeDocument(raw)
	if err != nil || !validRequirementsDocument(doc) {
		toolCtx.Logger().Warn("planner.requirements.fallback", "reason", fallbackReason(err))
		return defaultRequirementsDocument(), nil
	}
	return doc, nil
}

func fallbackReason(err error) string {
	if err != nil {
		return err.Error()
	}
	return "document is missing required fields"
}

func buildRequirementsPrompt(userInput string) string {
	var b strings.Builder
	b.WriteString("Analyze the following requirement description and produce a standardized, structured project requirements document.\n\n")
	b.WriteString("Requirement description:\n")
	b.WriteString(userInput)
	b.WriteString("\n\n")
	b.WriteString(`Return the document as JSON:

{
    "project_overview": {
        "title": "project title",
        "description": "project description",
        "objectives": ["..."],
        "target_users": ["..."],
        "success_criteria": ["..."],
        "scope": "project scope"
    },
    "functional_requirements": {
        "core_features": [
            {
                "name": "feature name",
                "description": "feature description",
                "priority": "high/medium/low",
                "acceptance_criteria": ["..."]
            }
        ],
        "user_stories": [
            {
                "role": "user role",
                "goal": "user goal",
                "benefit": "user benefit"
            }
        ],
        "workflows": ["..."]
    },
    "non_functional_requirements": {
        "performance": {
            "response_time": "...",
            "throughput": "...",
            "concurrent_users": "..."
        },
        "security": {
            "authentication": "...",
            "authorization": "...",
            "data_protection": "..."
        },
        "scalability": {
            "horizontal_scaling": "...",
            "vertical_scaling": "..."
        }
    },
    "extracted_entities": {
        "business_objects": ["..."],
        "actors": ["..."],
        "systems": ["..."]
    },
    "analysis_metadata": {
        "confidence_score": 0.8,
        "text_complexity": "medium"
    }
}

Ground every field in what the user actually described and do not add requirements they never mentioned. Give every field a reasonable value and assign priorities as high, medium or low. Score confidence by how clear and complete the description is. Output only the JSON document, without code fences.`)
	return b.String()
}

// validRequirementsDocument checks the document fields downstream
// consumers rely on.
func validRequirementsDocument(doc map[string]any) bool {
	for _, field := range []string{
		"project_overview",
		"functional_requirements",
		"non_functional_requirements",
		"extracted_entities",
		"analysis_metadata",
	} {
		if _, ok := doc[field]; !ok {
			return false
		}
	}

	overview := mapOf(doc["project_overview"])
	if overview == nil {
		return false
	}
	for _, field := range []string{"title", "description"} {
		if _, ok := overview[field]; !ok {
			return false
		}
	}

	functional := mapOf(doc["functional_requirements"])
	if functional == nil {
		return false
	}
	if _, ok := functional["core_features"].([]any); !ok {
		return false
	}

	metadata := mapOf(doc["analysis_metadata"])
	if metadata == nil {
		return false
	}
	_, ok := metadata["confidence_score"]
	return ok
}

// defaultRequirementsDocument is the low-confidence stand-in used when the
// backend reply cannot be turned into a usable document.
func defaultRequirementsDocument() map[string]any {
	return map[string]any{
		"project_overview": map[string]any{
			"title":            "Unspecified project",
			"description":      "The project requirements need further clarification",
			"objectives":       []any{},
			"target_users":     []any{},
			"success_criteria": []any{},
			"scope":            "to be defined",
		},
		"functional_requirements": map[string]any{
			"core_features": []any{},
			"user_stories":  []any{},
			"workflows":     []any{},
		},
		"non_functional_requirements": map[string]any{
			"performance": map[string]any{},
			"security":    map[string]any{},
			"scalability": map[string]any{},
		},
		"extracted_entities": map[string]any{
			"business_objects": []any{},
			"actors":           []any{},
			"systems":          []any{},
		},
		"analysis_metadata": map[string]any{
			"confidence_score": 0.1,
			"text_complexity":  "unknown",
		},
	}
}
