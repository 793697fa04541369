package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/metrics"
)

// StateWriter is the narrow mutation surface the executor needs to publish
// findings. *core.RunContext and *core.ToolContext both satisfy it.
type StateWriter interface {
	SetState(key string, value any)
}

// BatchExecutor fans a research batch out to one pipeline per keyword and
// joins all results. Per-keyword failures (error returns, panics, timeouts)
// are captured as failed keyword results and never cancel sibling keywords;
// only batch validation rejects a run as a whole.
type BatchExecutor struct {
	factory       PipelineFactory
	maxConcurrent int
	timeout       time.Duration
	logger        logging.Logger
	metrics       *metrics.Metrics
}

// BatchExecutorOption configures a BatchExecutor.
type BatchExecutorOption func(*BatchExecutor)

// WithMaxConcurrent bounds the number of keyword pipelines running at once.
func WithMaxConcurrent(n int) BatchExecutorOption {
	return func(e *BatchExecutor) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithKeywordTimeout caps each keyword pipeline run. A timeout becomes that
// keyword's failure, not the batch's.
func WithKeywordTimeout(d time.Duration) BatchExecutorOption {
	return func(e *BatchExecutor) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) BatchExecutorOption {
	return func(e *BatchExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) BatchExecutorOption {
	return func(e *BatchExecutor) { e.metrics = m }
}

// NewBatchExecutor creates a BatchExecutor over the given pipeline factory.
func NewBatchExecutor(factory PipelineFactory, opts ...BatchExecutorOption) *BatchExecutor {
	e := &BatchExecutor{
		factory:       factory,
		maxConcurrent: 4,
		timeout:       2 * time.Minute,
		logger:        logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunBatch validates the batch, runs one fresh pipeline per keyword under a
// bounded group and assembles the consolidated findings. The join blocks
// until every keyword has completed or failed.
func (e *BatchExecutor) RunBatch(ctx context.Context, batch Batch) (*Findings, error) {
	if err := batch.Validate(); err != nil {
		e.metrics.ObserveBatch(metrics.StatusFailure, 0)
		return nil, err
	}

	start := time.Now()
	e.logger.Info("research.batch.start", "keywords", len(batch.Keywords), "max_concurrent", e.maxConcurrent)

	type slot struct {
		result map[string]any
		err    error
	}
	slots := make([]slot, len(batch.Keywords))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)

	for i, keyword := range batch.Keywords {
		i, keyword := i, keyword
		g.Go(func() error {
			task := Task{
				Keyword:        keyword,
				FocusAreas:     batch.FocusAreas,
				ProjectContext: batch.ProjectContext,
			}
			result, err := e.runOne(gctx, task)
			slots[i] = slot{result: result, err: err}
			return nil // failures are captured per slot, never fail the group
		})
	}

	// Workers never return errors, so Wait only joins.
	_ = g.Wait()

	successes := make([]KeywordResult, 0, len(batch.Keywords))
	failures := make([]KeywordResult, 0)
	for i, keyword := range batch.Keywords {
		if slots[i].err != nil {
			e.logger.Warn("research.keyword.failed", "keyword", keyword, "error", slots[i].err)
			failures = append(failures, KeywordResult{
				Keyword: keyword,
				Success: false,
				Error:   slots[i].err.Error(),
			})
			continue
		}
		successes = append(successes, KeywordResult{
			Keyword: keyword,
			Success: true,
			Result:  slots[i].result,
		})
	}

	total := len(batch.Keywords)
	successful := len(successes)
	failed := len(failures)

	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total)
	}

	elapsed := time.Since(start)

	findings := &Findings{
		ProjectContext:     batch.ProjectContext,
		Keywords:           batch.Keywords,
		FocusAreas:         batch.FocusAreas,
		TotalKeywords:      total,
		SuccessfulKeywords: successful,
		FailedKeywords:     failed,
		KeywordResults:     append(successes, failures...),
		Summary:            summarize(batch, successful, total),
		ExecutionTime:      elapsed.Seconds(),
		SuccessRate:        rate,
	}

	e.metrics.ObserveBatch(metrics.StatusSuccess, elapsed)
	e.metrics.AddKeywords(metrics.StatusSuccess, successful)
	e.metrics.AddKeywords(metrics.StatusFailure, failed)
	e.logger.Info("research.batch.completed",
		"keywords", total, "successful", successful, "failed", failed,
		"duration_ms", elapsed.Milliseconds())

	return findings, nil
}

// Run executes the batch and publishes the findings under the
// research_findings state key, exactly once, after the join. A validation
// failure is recorded under research_error instead.
func (e *BatchExecutor) Run(ctx context.Context, batch Batch, state StateWriter) (*Findings, error) {
	findings, err := e.RunBatch(ctx, batch)
	if err != nil {
		if state != nil {
			state.SetState(StateKeyError, err.Error())
		}
		return nil, err
	}
	if state != nil {
		state.SetState(StateKeyFindings, findings.Map())
	}
	return findings, nil
}

// runOne executes a single keyword pipeline with a fresh instance, applying
// the per-keyword timeout and converting panics into errors.
func (e *BatchExecutor) runOne(ctx context.Context, task Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	return e.factory().Run(ctx, task)
}

// summarize produces the deterministic batch summary, with fixed wording
// when no keyword succeeded.
func summarize(batch Batch, successful, total int) string {
	if successful == 0 {
		return "The research run produced no usable results."
	}
	return fmt.Sprintf("Researched %d keywords. Successfully processed %d. Focus areas: %s.",
		total, successful, strings.Join(batch.FocusAreas, ", "))
}
