package flow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/metrics"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

const eventBufferSize = 100

// config collects the knobs shared by the flow, its decision step and its
// tool executor.
type config struct {
	metrics       *metrics.Metrics
	toolTimeout   time.Duration
	maxParallel   int
	systemPrompt  string
	historyWindow int
	streaming     bool
	instructions  func(*core.RunContext) (string, error)
}

// Option configures a ReactFlow.
type Option func(*config)

// WithMetrics attaches a metrics sink to the flow and its tool executor.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithToolTimeout bounds the wall-clock time of a single tool call.
func WithToolTimeout(d time.Duration) Option {
	return func(c *config) { c.toolTimeout = d }
}

// WithMaxParallelTools bounds how many tool calls of one decision run at
// once.
func WithMaxParallelTools(n int) Option {
	return func(c *config) { c.maxParallel = n }
}

// WithSystemPrompt overrides the built-in system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) { c.systemPrompt = prompt }
}

// WithHistoryWindow bounds how many trailing dialogue messages the decision
// backend sees each turn.
func WithHistoryWindow(n int) Option {
	return func(c *config) { c.historyWindow = n }
}

// WithStreamingEnabled toggles partial reply events. When enabled the flow
// emits partial text events as the backend streams and a final complete
// event at the end of the turn.
func WithStreamingEnabled(enabled bool) Option {
	return func(c *config) { c.streaming = enabled }
}

// WithInstructionResolver installs a per-turn system prompt source. The
// resolver runs during turn preparation against the refreshed session; a
// resolution error aborts the turn, an empty result keeps the configured
// prompt.
func WithInstructionResolver(resolve func(*core.RunContext) (string, error)) Option {
	return func(c *config) { c.instructions = resolve }
}

// ReactFlow drives one reason-act turn per invocation: refresh the session,
// record the user message, ask the decision backend what to do, execute the
// chosen tools and fold their results back into session state, then emit a
// terminal event routed on "wait_for_user". The loop across turns lives in
// the runner; the flow itself never branches to another flow.
//
// Turns fail in two distinct ways. A preparation failure aborts the turn
// before the backend is consulted and terminates on the "error" transition
// with the failure recorded in state. A degraded decision, a backend or
// tool failure after preparation, still completes the turn normally: the
// user gets a reply (possibly the generic apology), state bookkeeping runs
// and the turn counts as failed only in the statistics.
type ReactFlow struct {
	step         *DecisionStep
	executor     *ToolExecutor
	state        StateAccessor
	metrics      *metrics.Metrics
	streaming    bool
	instructions func(*core.RunContext) (string, error)

	mu             sync.Mutex
	stats          PerformanceStats
	latencySamples int
}

// NewReactFlow creates a flow over the given decision backend and tool
// registry.
func NewReactFlow(backend model.Model, registry *tool.Registry, opts ...Option) *ReactFlow {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	execOpts := []ExecutorOption{WithExecutionMetrics(cfg.metrics)}
	if cfg.toolTimeout > 0 {
		execOpts = append(execOpts, WithExecutionTimeout(cfg.toolTimeout))
	}
	if cfg.maxParallel > 0 {
		execOpts = append(execOpts, WithMaxConcurrency(cfg.maxParallel))
	}
	executor := NewToolExecutor(registry, execOpts...)

	var stepOpts []StepOption
	if cfg.systemPrompt != "" {
		stepOpts = append(stepOpts, WithStepSystemPrompt(cfg.systemPrompt))
	}
	if cfg.historyWindow > 0 {
		stepOpts = append(stepOpts, WithStepHistoryWindow(cfg.historyWindow))
	}

	return &ReactFlow{
		step:         NewDecisionStep(backend, executor, stepOpts...),
		executor:     executor,
		metrics:      cfg.metrics,
		streaming:    cfg.streaming,
		instructions: cfg.instructions,
	}
}

// Executor exposes the flow's tool executor.
func (f *ReactFlow) Executor() *ToolExecutor { return f.executor }

// Execute implements Flow. The returned channel carries the events of a
// single turn and is closed when the turn terminates.
func (f *ReactFlow) Execute(runCtx *core.RunContext) (<-chan core.Event, error) {
	if runCtx == nil {
		return nil, errors.New("run context must not be nil")
	}

	events := make(chan core.Event, eventBufferSize)
	go func() {
		defer close(events)
		f.runTurn(runCtx, events)
	}()

	return events, nil
}

func (f *ReactFlow) runTurn(rc *core.RunContext, events chan<- core.Event) {
	author := rc.GetAgentName()
	if author == "" {
		author = "react"
	}

	turn, prepErr := f.prepare(rc)

	f.mu.Lock()
	f.stats.TotalRequests++
	f.mu.Unlock()

	if prepErr != nil {
		f.failTurn(rc, events, author, prepErr)
		return
	}

	rc.LogDebug("flow.decide.start", "stage", turn.CurrentStage, "streaming", f.streaming)
	start := time.Now()
	outcome := f.decide(rc, turn, events, author)
	elapsed := time.Since(start)
	if outcome.Err != "" {
		rc.LogWarn("flow.decide.degraded", "error", outcome.Err, "duration_ms", elapsed.Milliseconds())
	} else {
		rc.LogInfo("flow.decide.completed", "tool_calls", len(outcome.ToolCalls), "duration_ms", elapsed.Milliseconds())
	}
	f.observeDecision(outcome, elapsed)

	f.apply(rc, events, author, outcome)
}

// prepare refreshes the session snapshot, resolves the turn instructions,
// records the incoming user message and assembles the turn input the
// decision backend sees.
func (f *ReactFlow) prepare(rc *core.RunContext) (TurnInput, error) {
	if rc.SessionStore != nil {
		if err := rc.RefreshSession(); err != nil {
			return TurnInput{}, &PreparationError{Err: err}
		}
	}

	var instructions string
	if f.instructions != nil {
		resolved, err := f.instructions(rc)
		if err != nil {
			return TurnInput{}, &PreparationError{Err: fmt.Errorf("resolve instructions: %w", err)}
		}
		instructions = resolved
	}

	userMessage := rc.UserContent.Text()
	if userMessage != "" {
		f.state.AppendUserMessage(rc, userMessage)
	}

	snap := rc.StateSnapshot()
	if userMessage == "" {
		userMessage = f.state.LatestUserMessage(snap)
	}

	return TurnInput{
		UserMessage:  userMessage,
		CurrentStage: f.state.CurrentStage(snap),
		StateInfo:    f.state.BuildStateDescription(snap, userMessage),
		Instructions: instructions,
	}, nil
}

// failTurn terminates a turn whose preparation failed. No decision was
// attempted, so the turn counter stays put and no latency is recorded.
func (f *ReactFlow) failTurn(rc *core.RunContext, events chan<- core.Event, author string, prepErr error) {
	f.mu.Lock()
	f.stats.FailedRequests++
	f.mu.Unlock()

	msg := "turn execution failed: " + prepErr.Error()
	rc.SetState(StateKeyReactError, msg)
	rc.LogError("turn preparation failed", "error", prepErr)

	f.metrics.IncTurn(core.TransitionError)
	f.send(rc, events, core.NewErrorEvent(rc.RunID, author, "react_execution_error", msg))
}

// decide runs the decision step, wiring up the partial event forwarder when
// streaming is enabled.
func (f *ReactFlow) decide(rc *core.RunContext, turn TurnInput, events chan<- core.Event, author string) StepOutcome {
	state := StateMap(rc.StateSnapshot())

	if !f.streaming {
		return f.step.Decide(rc, turn, state)
	}

	deltas := make(chan string, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for delta := range deltas {
			f.send(rc, events, newPartialEvent(rc.RunID, author, delta))
		}
	}()

	outcome := f.step.DecideStream(rc, turn, state, deltas)
	close(deltas)
	wg.Wait()

	return outcome
}

// observeDecision updates the rolling statistics after a decision step has
// completed, degraded or not.
func (f *ReactFlow) observeDecision(outcome StepOutcome, elapsed time.Duration) {
	status := metrics.StatusSuccess
	if outcome.Err != "" {
		status = metrics.StatusFailure
	}
	f.metrics.ObserveDecision(status, elapsed)

	f.mu.Lock()
	defer f.mu.Unlock()

	if outcome.Err != "" {
		f.stats.FailedRequests++
	} else {
		f.stats.SuccessfulRequests++
		f.stats.TotalToolCalls += len(outcome.ToolCalls)
	}

	f.latencySamples++
	f.stats.AverageResponseTime += (elapsed.Seconds() - f.stats.AverageResponseTime) / float64(f.latencySamples)
}

// apply runs the bookkeeping phase of a completed decision: advance the
// turn counter, append the assistant reply, record tool outcomes, fold
// successful results into state and emit the turn's events. Degraded
// decisions go through the same phase so the dialogue and the counters
// stay consistent.
func (f *ReactFlow) apply(rc *core.RunContext, events chan<- core.Event, author string, outcome StepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("turn post-processing failed: %v", r)
			rc.SetState(StateKeyPostError, msg)
			rc.LogError("turn post-processing panicked", "error", r)
			f.metrics.IncTurn(core.TransitionError)
			f.send(rc, events, core.NewErrorEvent(rc.RunID, author, "react_post_error", msg))
		}
	}()

	f.state.IncrementTurnCount(rc)

	message := outcome.UserMessage
	if message == "" && len(outcome.ToolCalls) > 0 {
		message = synthesizeReply(outcome.ToolCalls)
	}

	if message != "" || len(outcome.ToolCalls) > 0 {
		f.state.AppendAssistantMessage(rc, message, outcome.ToolCalls, outcome.Reasoning, outcome.Confidence)
	}

	for _, oc := range outcome.ToolCalls {
		f.state.RecordToolExecution(rc, oc)
		if oc.Success {
			f.state.ApplyToolResult(rc, oc)
			if len(oc.stateDelta) > 0 {
				rc.ApplyStateDelta(oc.stateDelta)
			}
		}

		var callErr error
		if !oc.Success {
			callErr = errors.New(oc.Error)
		}
		f.send(rc, events, core.NewFunctionResponseEvent(author, oc.CallID, oc.ToolName, oc.Result, callErr))
		if err := rc.WaitForResume(); err != nil {
			return
		}
	}

	f.metrics.IncTurn(core.TransitionWaitForUser)
	f.send(rc, events, core.NewTurnCompleteEvent(rc.RunID, author, message, core.TransitionWaitForUser))
}

// Stats returns a copy of the flow's decision statistics.
func (f *ReactFlow) Stats() PerformanceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// ExecutorStats returns a copy of the tool executor's statistics.
func (f *ReactFlow) ExecutorStats() ExecutionStats { return f.executor.Stats() }

// ResetStats clears both the flow's and the executor's statistics.
func (f *ReactFlow) ResetStats() {
	f.mu.Lock()
	f.stats = PerformanceStats{}
	f.latencySamples = 0
	f.mu.Unlock()

	f.executor.ResetStats()
}

func (f *ReactFlow) send(rc *core.RunContext, events chan<- core.Event, ev core.Event) {
	select {
	case events <- ev:
	case <-rc.Done():
	}
}

// synthesizeReply stands in for the assistant message when the backend
// executed tools but produced no reply text.
func synthesizeReply(outcomes []ToolOutcome) string {
	var successful []string
	for _, oc := range outcomes {
		if oc.Success {
			successful = append(successful, oc.ToolName)
		}
	}
	if len(successful) == 0 {
		return "I tried to run some operations but ran into problems. Let me know if you'd like me to try again."
	}
	return fmt.Sprintf("I've run the following for you: %s. Please take a look at the results.", strings.Join(successful, ", "))
}

func newPartialEvent(invocationID, author, text string) core.Event {
	ev := core.NewEvent(invocationID, author)
	ev.Content = &core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: text}}}
	partial := true
	ev.Partial = &partial
	return ev
}
