package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/flow"
	"github.com/hupe1980/agentloop/research"
)

const (
	maxIntentKeywords  = 3
	maxFeatureKeywords = 2
	defaultMaxKeywords = 5
)

// defaultKeywords seed a batch when nothing can be derived from the
// arguments or session state.
var defaultKeywords = []string{"project development", "technology selection", "best practices"}

// defaultFocusAreas are the standard research angles of the catalog.
var defaultFocusAreas = []string{"technology selection", "architecture patterns", "best practices"}

// ResearchOptions configure the research tool.
type ResearchOptions struct {
	// FocusAreas scope every derived batch.
	FocusAreas []string

	// MaxKeywords caps how many keywords one batch may carry.
	MaxKeywords int
}

// ResearchTool derives a keyword batch from its arguments and session
// state and fans it out through the research batch executor.
//
// Keywords are collected in order from the session's intent analysis
// (first three extracted keywords), the project title and the first two
// core feature names of the structured requirements, deduplicated and
// capped. A batch that would otherwise be empty falls back to the default
// keywords so research always has something to do.
type ResearchTool struct {
	executor *research.BatchExecutor
	opts     ResearchOptions
}

// NewResearchTool creates the research tool over the given batch executor.
func NewResearchTool(executor *research.BatchExecutor, optFns ...func(o *ResearchOptions)) *ResearchTool {
	opts := ResearchOptions{
		FocusAreas:  append([]string(nil), defaultFocusAreas...),
		MaxKeywords: defaultMaxKeywords,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.FocusAreas) == 0 {
		opts.FocusAreas = append([]string(nil), defaultFocusAreas...)
	}
	if opts.MaxKeywords <= 0 {
		opts.MaxKeywords = defaultMaxKeywords
	}
	return &ResearchTool{executor: executor, opts: opts}
}

// Name returns the tool identifier.
func (t *ResearchTool) Name() string { return "research" }

// Description returns the tool description shown to models.
func (t *ResearchTool) Description() string {
	return "Run technical research for the given requirements, covering technology " +
		"selection, architecture patterns and best practices."
}

// Parameters returns the JSON schema for tool arguments.
func (t *ResearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"research_requirements": map[string]any{
				"type":        "string",
				"description": "Description of the technical requirements and questions to research",
			},
		},
		"required": []string{"research_requirements"},
	}
}

// Call runs one research batch and returns the consolidated findings.
func (t *ResearchTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	requirements := stringArg(args, "research_requirements")
	if requirements == "" {
		return nil, errors.New("research_requirements is required")
	}

	batch := research.Batch{
		Keywords:       t.deriveKeywords(toolCtx.StateSnapshot()),
		FocusAreas:     t.opts.FocusAreas,
		ProjectContext: requirements,
	}

	toolCtx.Logger().Debug("planner.research.batch",
		"keywords", batch.Keywords, "focus_areas", batch.FocusAreas)

	findings, err := t.executor.RunBatch(toolCtx.Context(), batch)
	if err != nil {
		return nil, fmt.Errorf("research batch failed: %w", err)
	}
	return findings.Map(), nil
}

// deriveKeywords builds the keyword list for one batch from a session
// state snapshot.
func (t *ResearchTool) deriveKeywords(snap map[string]any) []string {
	var candidates []any

	if intent := mapOf(snap[StateKeyUserIntent]); intent != nil {
		extracted := listOf(intent["extracted_keywords"])
		if len(extracted) > maxIntentKeywords {
			extracted = extracted[:maxIntentKeywords]
		}
		candidates = append(candidates, extracted...)
	}

	if requirements := mapOf(snap[flow.StateKeyStructuredRequirements]); requirements != nil {
		if overview := mapOf(requirements["project_overview"]); overview != nil {
			candidates = append(candidates, overview["title"])
		}
		if functional := mapOf(requirements["functional_requirements"]); functional != nil {
			features := listOf(functional["core_features"])
			if len(features) > maxFeatureKeywords {
				features = features[:maxFeatureKeywords]
			}
			for _, feature := range features {
				switch f := feature.(type) {
				case map[string]any:
					candidates = append(candidates, f["name"])
				case string:
					candidates = append(candidates, f)
				}
			}
		}
	}

	keywords := make([]string, 0, len(candidates))
	seen := map[string]bool{}
	for _, c := range candidates {
		keyword := strings.TrimSpace(stringOf(c))
		if keyword == "" || seen[keyword] {
			continue
		}
		seen[keyword] = true
		keywords = append(keywords, keyword)
		if len(keywords) == t.opts.MaxKeywords {
			break
		}
	}

	if len(keywords) == 0 {
		return append([]string(nil), defaultKeywords...)
	}
	return keywords
}
