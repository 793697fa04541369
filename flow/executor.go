package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/metrics"
	"github.com/hupe1980/agentloop/tool"
)

const (
	defaultToolTimeout    = 15 * time.Second
	defaultMaxConcurrency = 4

	maxArgumentsShown = 3
	maxArgumentChars  = 47
)

// inlineCallPattern matches the <tool_call>[...]</tool_call> blocks some
// models embed in plain text instead of using structured tool calls.
var inlineCallPattern = regexp.MustCompile(`(?s)<tool_call>\[(.*?)\]</tool_call>`)

// blankLinePattern collapses the gaps left behind after stripping inline
// call blocks out of a reply.
var blankLinePattern = regexp.MustCompile(`\n\s*\n`)

// ExecutionStats aggregates tool executions across the lifetime of an
// executor. Durations are wall-clock seconds.
type ExecutionStats struct {
	TotalExecutions      int            `json:"total_executions"`
	SuccessfulExecutions int            `json:"successful_executions"`
	FailedExecutions     int            `json:"failed_executions"`
	TotalExecutionTime   float64        `json:"total_execution_time"`
	PerTool              map[string]int `json:"per_tool"`
}

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithExecutionTimeout bounds the wall-clock time of a single tool call.
func WithExecutionTimeout(d time.Duration) ExecutorOption {
	return func(e *ToolExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxConcurrency bounds how many tool calls of one decision run at once.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *ToolExecutor) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithExecutionMetrics attaches a metrics sink to the executor.
func WithExecutionMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *ToolExecutor) { e.metrics = m }
}

// ToolExecutor runs the tool invocations of a single decision. Invocations
// execute concurrently up to a configurable limit, each against its own
// clone of the run context so staged state cannot race, and each under its
// own timeout. One failed invocation never aborts its siblings.
type ToolExecutor struct {
	registry *tool.Registry
	timeout  time.Duration
	limit    int
	metrics  *metrics.Metrics

	mu    sync.Mutex
	stats ExecutionStats
}

// NewToolExecutor creates an executor over the given registry.
func NewToolExecutor(registry *tool.Registry, opts ...ExecutorOption) *ToolExecutor {
	e := &ToolExecutor{
		registry: registry,
		timeout:  defaultToolTimeout,
		limit:    defaultMaxConcurrency,
		stats:    ExecutionStats{PerTool: map[string]int{}},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the tool registry the executor resolves names against.
func (e *ToolExecutor) Registry() *tool.Registry { return e.registry }

// ExecuteMany runs all invocations and returns one outcome per invocation,
// in invocation order. Failures are reported as failed outcomes, never as
// an error from ExecuteMany itself.
func (e *ToolExecutor) ExecuteMany(rc *core.RunContext, invocations []Invocation) []ToolOutcome {
	if len(invocations) == 0 {
		return nil
	}

	outcomes := make([]ToolOutcome, len(invocations))
	sem := make(chan struct{}, e.limit)
	var wg sync.WaitGroup

	for i, inv := range invocations {
		i, inv := i, inv
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = e.executeOne(rc, inv)
		}()
	}
	wg.Wait()

	return outcomes
}

// executeOne runs a single invocation on a clone of the run context and
// records its outcome. Even failed calls report their real wall-clock time.
func (e *ToolExecutor) executeOne(rc *core.RunContext, inv Invocation) ToolOutcome {
	oc := ToolOutcome{
		ToolName:  inv.Name,
		Arguments: inv.Arguments,
		CallID:    inv.ID,
	}

	start := time.Now()
	result, stateDelta, err := e.invoke(rc, inv)
	oc.ExecutionTime = time.Since(start).Seconds()

	if err != nil {
		oc.Error = err.Error()
		oc.Result = map[string]any{"error": err.Error()}
		rc.LogWarn("tool execution failed",
			"tool", inv.Name, "call_id", inv.ID, "args", summarizeArguments(inv.Arguments), "error", err)
	} else {
		oc.Success = true
		oc.Result = resultToMap(result)
		oc.stateDelta = stateDelta
		rc.LogDebug("tool execution succeeded",
			"tool", inv.Name, "call_id", inv.ID, "args", summarizeArguments(inv.Arguments), "duration", oc.ExecutionTime)
	}

	e.record(oc)
	return oc
}

// invoke resolves and calls the tool under the execution timeout. The tool
// runs on a cloned run context so concurrent siblings stage state deltas in
// isolation; the clone's delta is returned for the applying phase to merge.
func (e *ToolExecutor) invoke(rc *core.RunContext, inv Invocation) (any, map[string]any, error) {
	t, ok := e.registry.Get(inv.Name)
	if !ok {
		return nil, nil, tool.NewToolError(inv.Name, "tool is not registered", "UNKNOWN_TOOL")
	}

	callRC := rc.Clone()
	ctx, cancel := context.WithTimeout(callRC.Context, e.timeout)
	defer cancel()
	callRC.Context = ctx

	toolCtx := core.NewToolContext(callRC, inv.ID)

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("tool %s panicked: %v", inv.Name, r)}
			}
		}()
		value, err := t.Call(toolCtx, inv.Arguments)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.value, toolCtx.Actions().StateDelta, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("tool %s: %w", inv.Name, ctx.Err())
	}
}

func (e *ToolExecutor) record(oc ToolOutcome) {
	e.mu.Lock()
	e.stats.TotalExecutions++
	e.stats.TotalExecutionTime += oc.ExecutionTime
	if e.stats.PerTool == nil {
		e.stats.PerTool = map[string]int{}
	}
	e.stats.PerTool[oc.ToolName]++
	if oc.Success {
		e.stats.SuccessfulExecutions++
	} else {
		e.stats.FailedExecutions++
	}
	e.mu.Unlock()

	outcome := metrics.StatusSuccess
	if !oc.Success {
		outcome = metrics.StatusFailure
	}
	e.metrics.ObserveToolExecution(oc.ToolName, outcome, time.Duration(oc.ExecutionTime*float64(time.Second)))
}

// Stats returns a copy of the executor's aggregate statistics.
func (e *ToolExecutor) Stats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.stats
	out.PerTool = make(map[string]int, len(e.stats.PerTool))
	for k, v := range e.stats.PerTool {
		out.PerTool[k] = v
	}
	return out
}

// ResetStats clears the executor's aggregate statistics.
func (e *ToolExecutor) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = ExecutionStats{PerTool: map[string]int{}}
}

// ParseInlineInvocations extracts tool invocations from <tool_call> blocks
// embedded in reply text. Each block holds a JSON array of objects with
// "name" and "arguments". Blocks that cannot be parsed, even after repair,
// are skipped; call IDs number the parsed invocations in text order.
func (e *ToolExecutor) ParseInlineInvocations(text string) []Invocation {
	var invocations []Invocation

	for _, match := range inlineCallPattern.FindAllStringSubmatch(text, -1) {
		body := "[" + match[1] + "]"

		var entries []map[string]any
		if err := json.Unmarshal([]byte(body), &entries); err != nil {
			repaired, repairErr := jsonrepair.JSONRepair(body)
			if repairErr != nil || json.Unmarshal([]byte(repaired), &entries) != nil {
				continue
			}
		}

		for _, entry := range entries {
			name, _ := entry["name"].(string)
			if name == "" {
				continue
			}
			args, _ := entry["arguments"].(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			invocations = append(invocations, Invocation{
				ID:        fmt.Sprintf("inline_call_%d", len(invocations)),
				Name:      name,
				Arguments: args,
			})
		}
	}

	return invocations
}

// StripInlineMarkers removes <tool_call> blocks from reply text and cleans
// up the leftover blank lines. When nothing remains a neutral confirmation
// is returned so the user never sees an empty reply.
func (e *ToolExecutor) StripInlineMarkers(text string) string {
	cleaned := inlineCallPattern.ReplaceAllString(text, "")
	cleaned = blankLinePattern.ReplaceAllString(cleaned, "\n")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "I've processed your request."
	}
	return cleaned
}

// parseToolArguments decodes the JSON argument payload of a structured tool
// call. Malformed payloads go through repair; when that fails too the call
// proceeds with empty arguments rather than being dropped.
func parseToolArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil || json.Unmarshal([]byte(repaired), &args) != nil {
			return map[string]any{}
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// summarizeArguments renders a compact single-line view of tool arguments
// for log lines: long strings are ellipsized, large collections reduced to
// their size, and at most three arguments shown. Keys are sorted so the
// output is stable.
func summarizeArguments(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxArgumentsShown {
		keys = keys[:maxArgumentsShown]
	}

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		switch v := args[key].(type) {
		case string:
			if runes := []rune(v); len(runes) > maxArgumentChars {
				parts = append(parts, fmt.Sprintf("%s='%s...'", key, string(runes[:maxArgumentChars])))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		case []any:
			if len(v) > 3 {
				parts = append(parts, fmt.Sprintf("%s=[%d items]", key, len(v)))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		case map[string]any:
			if len(v) > 3 {
				parts = append(parts, fmt.Sprintf("%s={%d keys}", key, len(v)))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, ", ")
}

// resultToMap normalizes a tool return value into the map shape stored in
// session state and shown to the model.
func resultToMap(result any) map[string]any {
	switch v := result.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		data, err := json.Marshal(v)
		if err == nil {
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				return m
			}
		}
		return map[string]any{"value": fmt.Sprintf("%v", v)}
	}
}
