// Package flow implements the execution flows that drive AgentLoop agents.
//
// The central flow is ReactFlow: a turn-based control loop that asks the
// decision backend what to do next, executes the tools it requested (in
// parallel when several are requested at once), folds successful results back
// into session state and finishes the turn with a transition label consumed
// by the runner. The loop is deliberately non-branching: every completed turn
// ends in "wait_for_user" and the conversation itself steers what happens
// next.
package flow

import (
	"github.com/hupe1980/agentloop/core"
)

// Flow defines the interface for agent execution flows.
//
// A flow orchestrates one invocation of an agent, from processing the initial
// request to emitting the terminal event that carries the next transition.
type Flow interface {
	// Execute runs the flow with the given context and request.
	// It returns a channel of events that represent the execution progress.
	Execute(runCtx *core.RunContext) (<-chan core.Event, error)
}

// StateReader is the read-only session state view handed to the decision
// step. The control loop keeps the mutable handle; the step only observes.
type StateReader interface {
	// Snapshot returns a merged view of session state. Callers must treat
	// the returned map as read-only.
	Snapshot() map[string]any
}

// StateMap adapts a plain map to the StateReader interface.
type StateMap map[string]any

// Snapshot implements StateReader.
func (m StateMap) Snapshot() map[string]any { return m }

// TurnInput is the read-only input of one control-loop turn, derived fresh
// from session state before the decision step runs.
type TurnInput struct {
	// UserMessage is the latest user message found in dialogue history.
	UserMessage string

	// CurrentStage is the coarse conversation stage recorded in state.
	CurrentStage string

	// StateInfo is a textual snapshot of session state appended to the
	// user message so the backend can reason about progress.
	StateInfo string

	// Instructions, when non-empty, replaces the step's configured system
	// prompt for this turn. Populated from the flow's instruction resolver.
	Instructions string
}

// Invocation is a single requested tool call before execution.
type Invocation struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolOutcome records the result of executing one Invocation. Exactly one
// outcome exists per requested invocation, in request order, even when
// execution ran in parallel.
type ToolOutcome struct {
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments"`
	Result        map[string]any `json:"result,omitempty"`
	CallID        string         `json:"call_id"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time"`

	// stateDelta holds mutations the tool staged through its ToolContext.
	// The control loop merges it into session state on success.
	stateDelta map[string]any
}

// Execution modes reported on a StepOutcome.
const (
	ExecutionModeSingle   = "single"
	ExecutionModeParallel = "parallel"
)

// StepOutcome is the product of one decision step: the user-facing reply,
// the executed tool calls in request order and bookkeeping for the control
// loop. It is immutable once returned.
type StepOutcome struct {
	UserMessage   string        `json:"user_message"`
	ToolCalls     []ToolOutcome `json:"tool_calls,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
	Confidence    float64       `json:"confidence"`
	Success       bool          `json:"decision_success"`
	Err           string        `json:"error,omitempty"`
	ExecutionMode string        `json:"execution_mode,omitempty"`
}

// DecisionKind tags the shape of a backend response after classification.
type DecisionKind int

const (
	// DecisionReply is a plain conversational reply without tool calls.
	DecisionReply DecisionKind = iota

	// DecisionStructured carries typed tool calls from the backend.
	DecisionStructured

	// DecisionInline carries tool calls parsed from the inline fallback
	// syntax embedded in the reply text.
	DecisionInline
)

// Decision is the classified backend response: the raw reply text plus the
// invocations to execute, resolved exactly once per turn.
type Decision struct {
	Kind        DecisionKind
	Reply       string
	Invocations []Invocation
}

// PerformanceStats are process-scoped running totals kept by a ReactFlow
// instance. Counters never shrink; the mean response time is maintained
// incrementally rather than as a raw sum.
type PerformanceStats struct {
	TotalRequests       int     `json:"total_requests"`
	SuccessfulRequests  int     `json:"successful_requests"`
	FailedRequests      int     `json:"failed_requests"`
	AverageResponseTime float64 `json:"average_response_time"`
	TotalToolCalls      int     `json:"total_tool_calls"`
}
