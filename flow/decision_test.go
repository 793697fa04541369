package flow

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

// promptKey reproduces the final user block of a decision conversation,
// which is what MockModel keys its canned responses on.
func promptKey(turn TurnInput) string {
	return fmt.Sprintf("User message: %s\n\nCurrent state:\n%s", turn.UserMessage, turn.StateInfo)
}

func echoTool() tool.Tool {
	return tool.NewFunctionTool("echo", "echoes its arguments", emptySchema,
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			return map[string]any{"echo": args}, nil
		})
}

func newDecisionHarness(t *testing.T, tools ...tool.Tool) (*DecisionStep, *model.MockModel, *ToolExecutor) {
	t.Helper()

	reg, err := tool.NewRegistry(tools...)
	require.NoError(t, err)

	backend := model.NewMockModel("mock", "test")
	exec := NewToolExecutor(reg)
	return NewDecisionStep(backend, exec), backend, exec
}

func TestDecide_PlainReply(t *testing.T) {
	step, backend, _ := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")

	turn := TurnInput{UserMessage: "hello", StateInfo: "empty"}
	backend.AddResponse(promptKey(turn), "Hello! How can I help?")

	outcome := step.Decide(rc, turn, StateMap{})

	assert.True(t, outcome.Success)
	assert.Empty(t, outcome.Err)
	assert.Equal(t, "Hello! How can I help?", outcome.UserMessage)
	assert.Empty(t, outcome.ToolCalls)
	assert.Equal(t, ExecutionModeSingle, outcome.ExecutionMode)
	assert.Equal(t, defaultConfidence, outcome.Confidence)
	assert.Contains(t, outcome.Reasoning, "without calling tools")
}

func TestDecide_StructuredCall(t *testing.T) {
	step, backend, _ := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")

	turn := TurnInput{UserMessage: "run echo", StateInfo: "empty"}
	backend.AddToolCalls(promptKey(turn), core.FunctionCall{ID: "c1", Name: "echo", Arguments: `{"x": 1}`})
	// The follow-up request ends on a tool message, so its key is empty.
	backend.AddResponse("", "All done.")

	outcome := step.Decide(rc, turn, StateMap{})

	assert.True(t, outcome.Success)
	assert.Equal(t, "All done.", outcome.UserMessage)
	require.Len(t, outcome.ToolCalls, 1)
	oc := outcome.ToolCalls[0]
	assert.True(t, oc.Success)
	assert.Equal(t, "c1", oc.CallID)
	assert.Equal(t, float64(1), oc.Arguments["x"])
	assert.Equal(t, ExecutionModeSingle, outcome.ExecutionMode)
	assert.Contains(t, outcome.Reasoning, "successful: echo")
}

func TestDecide_ParallelCalls(t *testing.T) {
	step, backend, _ := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")

	turn := TurnInput{UserMessage: "run both", StateInfo: "empty"}
	backend.AddToolCalls(promptKey(turn),
		core.FunctionCall{ID: "c1", Name: "echo", Arguments: `{"n": 1}`},
		core.FunctionCall{ID: "c2", Name: "echo", Arguments: `{"n": 2}`},
	)
	backend.AddResponse("", "Both finished.")

	outcome := step.Decide(rc, turn, StateMap{})

	require.Len(t, outcome.ToolCalls, 2)
	assert.Equal(t, "c1", outcome.ToolCalls[0].CallID)
	assert.Equal(t, "c2", outcome.ToolCalls[1].CallID)
	assert.Equal(t, ExecutionModeParallel, outcome.ExecutionMode)
}

func TestDecide_RepairsStructuredArguments(t *testing.T) {
	step, backend, _ := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")

	turn := TurnInput{UserMessage: "run echo", StateInfo: "empty"}
	// Unquoted keys are not valid JSON but recoverable.
	backend.AddToolCalls(promptKey(turn), core.FunctionCall{ID: "c1", Name: "echo", Arguments: `{x: 1}`})
	backend.AddResponse("", "Done.")

	outcome := step.Decide(rc, turn, StateMap{})

	require.Len(t, outcome.ToolCalls, 1)
	assert.Equal(t, float64(1), outcome.ToolCalls[0].Arguments["x"])
}

func TestDecide_InlineCalls(t *testing.T) {
	step, backend, _ := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")

	turn := TurnInput{UserMessage: "look this up", StateInfo: "empty"}
	backend.AddResponse(promptKey(turn),
		"On it.\n<tool_call>[{\"name\": \"echo\", \"arguments\": {\"q\": \"go\"}}]</tool_call>")

	outcome := step.Decide(rc, turn, StateMap{})

	assert.True(t, outcome.Success)
	assert.Equal(t, "On it.", outcome.UserMessage)
	require.Len(t, outcome.ToolCalls, 1)
	assert.Equal(t, "inline_call_0", outcome.ToolCalls[0].CallID)
	assert.True(t, outcome.ToolCalls[0].Success)
	assert.Equal(t, "go", outcome.ToolCalls[0].Arguments["q"])
}

func TestDecide_UnparseableInlinePassesThrough(t *testing.T) {
	step, backend, _ := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")

	turn := TurnInput{UserMessage: "look this up", StateInfo: "empty"}
	reply := "I would use <tool_call>oops</tool_call> but the payload is broken."
	backend.AddResponse(promptKey(turn), reply)

	outcome := step.Decide(rc, turn, StateMap{})

	assert.True(t, outcome.Success)
	assert.Empty(t, outcome.ToolCalls)
	assert.Equal(t, reply, outcome.UserMessage)
}

func TestDecide_BackendErrorDegrades(t *testing.T) {
	reg, err := tool.NewRegistry(echoTool())
	require.NoError(t, err)

	step := NewDecisionStep(failModel{err: errors.New("boom")}, NewToolExecutor(reg))
	rc, _ := newTestRunContext("")

	outcome := step.Decide(rc, TurnInput{UserMessage: "hello", StateInfo: "empty"}, StateMap{})

	assert.False(t, outcome.Success)
	assert.Equal(t, GenericErrorReply, outcome.UserMessage)
	assert.Contains(t, outcome.Err, "decision call failed")
	assert.Contains(t, outcome.Err, "boom")
	assert.Empty(t, outcome.ToolCalls)
}

func TestDecide_StreamingErrorNamesStreaming(t *testing.T) {
	reg, err := tool.NewRegistry(echoTool())
	require.NoError(t, err)

	step := NewDecisionStep(failModel{err: errors.New("boom")}, NewToolExecutor(reg))
	rc, _ := newTestRunContext("")

	deltas := make(chan string, 8)
	outcome := step.DecideStream(rc, TurnInput{UserMessage: "hello"}, StateMap{}, deltas)
	close(deltas)

	assert.Contains(t, outcome.Err, "streaming decision call failed")
}

func TestDecide_FollowUpFailureDegradesAfterExecution(t *testing.T) {
	reg, err := tool.NewRegistry(echoTool())
	require.NoError(t, err)

	backend := newScriptModel(
		scriptStep{calls: []core.FunctionCall{{ID: "c1", Name: "echo", Arguments: `{}`}}},
		scriptStep{err: errors.New("second call refused")},
	)
	exec := NewToolExecutor(reg)
	step := NewDecisionStep(backend, exec)
	rc, _ := newTestRunContext("")

	outcome := step.Decide(rc, TurnInput{UserMessage: "run echo"}, StateMap{})

	assert.False(t, outcome.Success)
	assert.Equal(t, GenericErrorReply, outcome.UserMessage)
	assert.Contains(t, outcome.Err, "second call refused")
	assert.Empty(t, outcome.ToolCalls)
	// The tool did run before the follow-up call failed.
	assert.Equal(t, 1, exec.Stats().TotalExecutions)
}

func TestDecide_ModelCallBudgetDegrades(t *testing.T) {
	step, backend, exec := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")
	rc.Limiter = core.NewModelLimiter(1)

	turn := TurnInput{UserMessage: "run echo", StateInfo: "empty"}
	backend.AddToolCalls(promptKey(turn), core.FunctionCall{ID: "c1", Name: "echo", Arguments: `{}`})
	backend.AddResponse("", "never reached")

	outcome := step.Decide(rc, turn, StateMap{})

	assert.False(t, outcome.Success)
	assert.Equal(t, GenericErrorReply, outcome.UserMessage)
	assert.Contains(t, outcome.Err, "exceeded max model calls")
	// The budget ran out on the follow-up call, after the tool had run.
	assert.Equal(t, 1, exec.Stats().TotalExecutions)
}

func TestDecideStream_ForwardsDeltas(t *testing.T) {
	step, backend, _ := newDecisionHarness(t, echoTool())
	rc, _ := newTestRunContext("")

	turn := TurnInput{UserMessage: "hello", StateInfo: "empty"}
	backend.AddResponse(promptKey(turn), "Streamed reply")

	deltas := make(chan string, 64)
	var got strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range deltas {
			got.WriteString(d)
		}
	}()

	outcome := step.DecideStream(rc, turn, StateMap{}, deltas)
	close(deltas)
	<-done

	assert.Equal(t, "Streamed reply", outcome.UserMessage)
	assert.Equal(t, "Streamed reply", got.String())
}
