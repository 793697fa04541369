package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/research"
	"github.com/hupe1980/agentloop/tool"
)

// StateKeyUserIntent names the session slot hosts may seed with intent
// analysis. When present, its "extracted_keywords" list steers research
// keyword derivation.
const StateKeyUserIntent = "user_intent"

// Catalog assembles the full planning tool set over one decision backend
// and one research executor, in the order the tools are surfaced to the
// model. The option functions configure the research tool; the document
// tools carry no options.
func Catalog(backend model.Model, executor *research.BatchExecutor, optFns ...func(o *ResearchOptions)) []tool.Tool {
	return []tool.Tool{
		NewRequirementsAnalysisTool(backend),
		NewShortPlanningTool(backend),
		NewResearchTool(executor, optFns...),
		NewArchitectureDesignTool(backend),
	}
}

// generateDocument runs one backend call and decodes the reply as a JSON
// document.
func generateDocument(ctx context.Context, backend model.Model, prompt string) (map[string]any, error) {
	raw, err := generateText(ctx, backend, prompt)
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

// generateText runs one non-streaming backend call and returns the final
// reply text.
func generateText(ctx context.Context, backend model.Model, prompt string) (string, error) {
	req := model.Request{
		Contents: []core.Content{core.NewUserText(prompt)},
	}

	respCh, errCh := backend.Generate(ctx, req)

	var text strings.Builder
	var genErr error
	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !resp.Partial {
				text.Reset()
				text.WriteString(resp.Content.Text())
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && genErr == nil {
				genErr = err
			}
		}
	}
	if genErr != nil {
		return "", genErr
	}

	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return "", fmt.Errorf("backend returned no content")
	}
	return raw, nil
}

// decodeDocument parses a JSON object out of reply text, passing
// almost-JSON through repair before giving up.
func decodeDocument(raw string) (map[string]any, error) {
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(raw)
		if repErr != nil || json.Unmarshal([]byte(repaired), &doc) != nil {
			return nil, fmt.Errorf("reply is not a JSON document: %w", err)
		}
	}
	return doc, nil
}

// renderJSON pretty-prints a document for prompt embedding.
func renderJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func listOf(v any) []any {
	s, _ := v.([]any)
	return s
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
