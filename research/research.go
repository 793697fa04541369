package research

import "fmt"

// State keys written by the batch executor.
const (
	// StateKeyFindings holds the consolidated findings of the last batch run.
	StateKeyFindings = "research_findings"
	// StateKeyError holds the description of a batch rejected by validation.
	StateKeyError = "research_error"
)

// Batch is the read-only input to a research run.
type Batch struct {
	Keywords       []string `json:"keywords"`
	FocusAreas     []string `json:"focus_areas"`
	ProjectContext string   `json:"project_context"`
}

// Validate rejects batches that cannot produce any findings. No pipeline is
// instantiated for an invalid batch.
func (b Batch) Validate() error {
	if len(b.Keywords) == 0 {
		return &BatchValidationError{Field: "keywords", Reason: "must not be empty"}
	}
	if len(b.FocusAreas) == 0 {
		return &BatchValidationError{Field: "focus_areas", Reason: "must not be empty"}
	}
	return nil
}

// BatchValidationError reports a batch rejected before any work started.
type BatchValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *BatchValidationError) Error() string {
	return fmt.Sprintf("invalid research batch: %s %s", e.Field, e.Reason)
}

// KeywordResult is the outcome for a single keyword. Exactly one of Result
// and Error is populated, keyed by Success.
type KeywordResult struct {
	Keyword string         `json:"keyword"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Findings is the consolidated artifact of one batch run. KeywordResults
// lists successes first and failures second, each group in input order.
type Findings struct {
	ProjectContext     string          `json:"project_context"`
	Keywords           []string        `json:"research_keywords"`
	FocusAreas         []string        `json:"focus_areas"`
	TotalKeywords      int             `json:"total_keywords"`
	SuccessfulKeywords int             `json:"successful_keywords"`
	FailedKeywords     int             `json:"failed_keywords"`
	KeywordResults     []KeywordResult `json:"keyword_results"`
	Summary            string          `json:"summary"`
	ExecutionTime      float64         `json:"execution_time"`
	SuccessRate        float64         `json:"success_rate"`
}

// Map returns the findings in the flat shape stored under the
// research_findings state key.
func (f *Findings) Map() map[string]any {
	results := make([]map[string]any, 0, len(f.KeywordResults))
	for _, kr := range f.KeywordResults {
		entry := map[string]any{
			"keyword": kr.Keyword,
			"success": kr.Success,
		}
		if kr.Success {
			entry["result"] = kr.Result
		} else {
			entry["error"] = kr.Error
		}
		results = append(results, entry)
	}

	return map[string]any{
		"project_context":     f.ProjectContext,
		"research_keywords":   f.Keywords,
		"focus_areas":         f.FocusAreas,
		"total_keywords":      f.TotalKeywords,
		"successful_keywords": f.SuccessfulKeywords,
		"failed_keywords":     f.FailedKeywords,
		"keyword_results":     results,
		"summary":             f.Summary,
		"execution_time":      f.ExecutionTime,
		"success_rate":        f.SuccessRate,
	}
}
