package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

// Task is the per-keyword input record handed to a pipeline.
type Task struct {
	Keyword        string   `json:"keyword"`
	FocusAreas     []string `json:"focus_areas"`
	ProjectContext string   `json:"project_context"`
}

// Pipeline runs the research for a single keyword. The executor creates a
// fresh instance per keyword, so implementations never share mutable state
// across keywords.
type Pipeline interface {
	Run(ctx context.Context, task Task) (map[string]any, error)
}

// PipelineFactory returns a fresh Pipeline for one keyword.
type PipelineFactory func() Pipeline

// SearchResult is one document returned by a SearchProvider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchProvider returns candidate documents for a query.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// StaticSearchProvider serves canned results from memory for tests and
// offline runs.
type StaticSearchProvider struct {
	results map[string][]SearchResult
}

// NewStaticSearchProvider creates an empty StaticSearchProvider.
func NewStaticSearchProvider() *StaticSearchProvider {
	return &StaticSearchProvider{results: make(map[string][]SearchResult)}
}

// Add registers results returned for a query.
func (p *StaticSearchProvider) Add(query string, results ...SearchResult) {
	p.results[query] = append(p.results[query], results...)
}

// Search implements SearchProvider.
func (p *StaticSearchProvider) Search(_ context.Context, query string) ([]SearchResult, error) {
	return p.results[query], nil
}

// Content limits applied before prompting and before assembling the report.
const (
	promptContentLimit = 3000
	reportContentLimit = 1000
)

// KeywordPipeline is the default per-keyword pipeline: search for the
// keyword, digest the top document, run a model analysis over its content
// and assemble the keyword report.
type KeywordPipeline struct {
	search SearchProvider
	model  model.Model
	logger logging.Logger
}

// NewKeywordPipeline creates a KeywordPipeline over the given collaborators.
func NewKeywordPipeline(search SearchProvider, mdl model.Model, logger logging.Logger) *KeywordPipeline {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &KeywordPipeline{search: search, model: mdl, logger: logger}
}

// NewKeywordPipelineFactory returns a factory producing a fresh
// KeywordPipeline per keyword over shared read-only collaborators.
func NewKeywordPipelineFactory(search SearchProvider, mdl model.Model, logger logging.Logger) PipelineFactory {
	return func() Pipeline { return NewKeywordPipeline(search, mdl, logger) }
}

// Run implements Pipeline.
func (p *KeywordPipeline) Run(ctx context.Context, task Task) (map[string]any, error) {
	results, err := p.search.Search(ctx, task.Keyword)
	if err != nil {
		return nil, fmt.Errorf("search for %q failed: %w", task.Keyword, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no search results for %q", task.Keyword)
	}

	top := results[0]

	analysis, err := p.analyze(ctx, task, top.Content)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("research.keyword.assembled", "keyword", task.Keyword, "url", top.URL)

	return map[string]any{
		"keyword":      task.Keyword,
		"url":          top.URL,
		"title":        top.Title,
		"content":      truncate(top.Content, reportContentLimit),
		"analysis":     analysis,
		"processed_at": time.Now().Unix(),
	}, nil
}

// analyze asks the model for a structured read of the content. A reply that
// is not valid JSON is repaired first; if it still cannot be decoded the raw
// text is kept as the summary rather than failing the keyword.
func (p *KeywordPipeline) analyze(ctx context.Context, task Task, content string) (map[string]any, error) {
	prompt := buildAnalysisPrompt(task, truncate(content, promptContentLimit))

	req := model.Request{
		Contents: []core.Content{core.NewUserText(prompt)},
	}

	respCh, errCh := p.model.Generate(ctx, req)

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
		return nil, fmt.Errorf("analysis for %q failed: %w", task.Keyword, genErr)
	}

	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return nil, fmt.Errorf("analysis for %q returned no content", task.Keyword)
	}

	analysis := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(raw)
		if repErr != nil || json.Unmarshal([]byte(repaired), &analysis) != nil {
			analysis = map[string]any{"summary": raw}
		}
	}
	return analysis, nil
}

func buildAnalysisPrompt(task Task, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following content, focusing on information related to the keyword %q.\n\n", task.Keyword)
	if task.ProjectContext != "" {
		b.WriteString("Project context:\n")
		b.WriteString(task.ProjectContext)
		b.WriteString("\n\n")
	}
	if len(task.FocusAreas) > 0 {
		b.WriteString("Focus areas: ")
		b.WriteString(strings.Join(task.FocusAreas, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString("Content:\n")
	b.WriteString(content)
	b.WriteString("\n\n")
	b.WriteString(`Return the analysis as JSON:
{
    "key_insights": ["..."],
    "relevant_information": "...",
    "technical_details": ["..."],
    "recommendations": ["..."],
    "relevance_score": 0.8,
    "summary": "..."
}`)
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
