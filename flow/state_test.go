package flow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateAccessor_AppendAndReadDialogue(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.AppendUserMessage(rc, "build me a todo app")
	state.AppendAssistantMessage(rc, "Happy to help.", nil, "no tools needed", 0.8)
	state.AppendUserMessage(rc, "make it web based")

	snap := rc.StateSnapshot()
	messages := dialogueMessages(snap)
	require.Len(t, messages, 3)
	assert.Equal(t, "user", messages[0]["role"])
	assert.Equal(t, "assistant", messages[1]["role"])
	assert.Equal(t, "make it web based", state.LatestUserMessage(snap))

	meta := mapOf(messages[1]["metadata"])
	require.NotNil(t, meta)
	assert.Equal(t, "react_loop", meta["agent_source"])
	assert.Equal(t, 0.8, meta["confidence"])
}

func TestStateAccessor_AppendAssistantMessage_SkipsEmpty(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.AppendAssistantMessage(rc, "", nil, "", 0.8)
	assert.Empty(t, dialogueMessages(rc.StateSnapshot()))
}

func TestStateAccessor_RecordToolExecution_CapsHistory(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	for i := 0; i < maxToolHistoryRecords+5; i++ {
		state.RecordToolExecution(rc, ToolOutcome{
			ToolName: fmt.Sprintf("tool_%d", i),
			Success:  true,
		})
	}

	history := toolHistory(rc.StateSnapshot())
	require.Len(t, history, maxToolHistoryRecords)
	// The five oldest records were trimmed.
	assert.Equal(t, "tool_5", history[0]["tool_name"])
	assert.Equal(t, fmt.Sprintf("tool_%d", maxToolHistoryRecords+4), history[len(history)-1]["tool_name"])
}

func TestStateAccessor_RecordToolExecution_CarriesFailure(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.RecordToolExecution(rc, ToolOutcome{
		ToolName:      "research",
		Success:       false,
		Error:         "boom",
		ExecutionTime: 0.25,
	})

	history := toolHistory(rc.StateSnapshot())
	require.Len(t, history, 1)
	assert.Equal(t, false, history[0]["success"])
	assert.Equal(t, "boom", history[0]["error"])
	assert.Equal(t, 0.25, history[0]["execution_time"])
	assert.Equal(t, rc.SessionID, history[0]["session_id"])
}

func TestStateAccessor_ApplyToolResult_FoldsByToolName(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	for toolName, stateKey := range resultStateKeys {
		result := map[string]any{"from": toolName}
		state.ApplyToolResult(rc, ToolOutcome{ToolName: toolName, Success: true, Result: result})

		got, ok := rc.GetState(stateKey)
		require.True(t, ok, "result of %s should land in %s", toolName, stateKey)
		assert.Equal(t, result, got)
	}
}

func TestStateAccessor_ApplyToolResult_SkipsFailedUnknownAndEmpty(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.ApplyToolResult(rc, ToolOutcome{ToolName: ToolResearch, Success: false, Result: map[string]any{"topics": []any{"x"}}})
	state.ApplyToolResult(rc, ToolOutcome{ToolName: ToolResearch, Success: true, Result: map[string]any{}})
	state.ApplyToolResult(rc, ToolOutcome{ToolName: "weather", Success: true, Result: map[string]any{"temp": 21}})

	_, ok := rc.GetState(StateKeyResearchFindings)
	assert.False(t, ok)
	assert.Empty(t, rc.StateDelta[StateKeyResearchFindings])
}

func TestStateAccessor_SuccessfullyExecutedTools_Dedups(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.RecordToolExecution(rc, ToolOutcome{ToolName: "alpha", Success: true})
	state.RecordToolExecution(rc, ToolOutcome{ToolName: "alpha", Success: true})
	state.RecordToolExecution(rc, ToolOutcome{ToolName: "beta", Success: true})
	state.RecordToolExecution(rc, ToolOutcome{ToolName: "gamma", Success: false})

	assert.Equal(t, []string{"alpha", "beta"}, state.SuccessfullyExecutedTools(rc.StateSnapshot()))
}

func TestStateAccessor_Summarize(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.RecordToolExecution(rc, ToolOutcome{ToolName: "alpha", Success: true})
	state.RecordToolExecution(rc, ToolOutcome{ToolName: "beta", Success: false})
	state.RecordToolExecution(rc, ToolOutcome{ToolName: "alpha", Success: true})

	summary := state.Summarize(rc.StateSnapshot())
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"alpha", "beta"}, summary.Tools)
	assert.Greater(t, summary.LastExecutionTime, float64(0))

	require.Len(t, summary.Timeline, 3)
	assert.Equal(t, "alpha", summary.Timeline[0].Tool)
	assert.False(t, summary.Timeline[1].Success)
	assert.Equal(t, "alpha", summary.Timeline[2].Tool)
}

func TestStateAccessor_HasToolBeenExecuted(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.RecordToolExecution(rc, ToolOutcome{ToolName: "alpha", Success: false})
	state.RecordToolExecution(rc, ToolOutcome{ToolName: "beta", Success: true})

	snap := rc.StateSnapshot()
	assert.False(t, state.HasToolBeenExecuted(snap, "alpha"), "failed runs do not count")
	assert.True(t, state.HasToolBeenExecuted(snap, "beta"))
	assert.False(t, state.HasToolBeenExecuted(snap, "gamma"))
}

func TestStateAccessor_LastExecutionOf(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	state.RecordToolExecution(rc, ToolOutcome{ToolName: "alpha", Success: true, ExecutionTime: 1.0})
	state.RecordToolExecution(rc, ToolOutcome{ToolName: "alpha", Success: false, ExecutionTime: 2.5, Error: "boom"})

	record := state.LastExecutionOf(rc.StateSnapshot(), "alpha")
	require.NotNil(t, record)
	assert.Equal(t, false, record["success"])
	assert.Equal(t, 2.5, record["execution_time"])
	assert.Equal(t, "boom", record["error"])

	assert.Nil(t, state.LastExecutionOf(rc.StateSnapshot(), "gamma"))
}

func TestStateAccessor_IncrementTurnCount(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	assert.Equal(t, 1, state.IncrementTurnCount(rc))
	assert.Equal(t, 2, state.IncrementTurnCount(rc))

	// Counters that round tripped through JSON come back as float64.
	rc.SetState(StateKeyTurnCount, float64(7))
	assert.Equal(t, 8, state.IncrementTurnCount(rc))
}

func TestStateAccessor_CurrentStageDefault(t *testing.T) {
	var state StateAccessor

	assert.Equal(t, defaultStage, state.CurrentStage(map[string]any{}))
	assert.Equal(t, "research", state.CurrentStage(map[string]any{StateKeyCurrentStage: "research"}))
}

func TestStateAccessor_BuildStateDescription_Feasibility(t *testing.T) {
	var state StateAccessor

	// Nothing done yet: everything beyond requirements analysis is blocked.
	desc := state.BuildStateDescription(map[string]any{}, "build a todo app")
	assert.Contains(t, desc, "build a todo app")
	assert.Contains(t, desc, "requirements_analysis: callable")
	assert.Contains(t, desc, "short_planning: blocked")
	assert.Contains(t, desc, "research: blocked")
	assert.Contains(t, desc, "architecture_design: blocked")

	// Requirements captured: planning and research open up, architecture
	// still needs research findings.
	snap := map[string]any{
		StateKeyStructuredRequirements: map[string]any{"project_overview": "a todo app"},
	}
	desc = state.BuildStateDescription(snap, "go on")
	assert.Contains(t, desc, "short_planning: callable")
	assert.Contains(t, desc, "research: callable")
	assert.Contains(t, desc, "architecture_design: blocked")

	// Research findings recorded under either marker key unlock
	// architecture design.
	snap[StateKeyResearchFindings] = map[string]any{"keyword_results": []any{"go"}}
	desc = state.BuildStateDescription(snap, "go on")
	assert.Contains(t, desc, "architecture_design: callable")
}

func TestStateAccessor_BuildStateDescription_Completeness(t *testing.T) {
	var state StateAccessor

	snap := map[string]any{
		// Present but missing its marker key: counts as incomplete.
		StateKeyStructuredRequirements: map[string]any{"notes": "tbd"},
		StateKeyConfirmationDocument:   map[string]any{"milestones": []any{"m1"}},
	}
	desc := state.BuildStateDescription(snap, "hi")
	assert.Contains(t, desc, "requirements analysis: missing")
	assert.Contains(t, desc, "scope confirmation document: complete")
}

func TestStateAccessor_CompletedTasks_PrefersHistory(t *testing.T) {
	rc, _ := newTestRunContext("")
	var state StateAccessor

	// Without history the result documents decide.
	rc.SetState(StateKeyResearchFindings, map[string]any{"topics": []any{"x"}})
	desc := state.BuildStateDescription(rc.StateSnapshot(), "hi")
	assert.Contains(t, desc, "Completed tasks: research")

	// With history, the recorded executions win.
	state.RecordToolExecution(rc, ToolOutcome{ToolName: ToolShortPlanning, Success: true})
	desc = state.BuildStateDescription(rc.StateSnapshot(), "hi")
	assert.Contains(t, desc, "Completed tasks: short_planning")
}

func TestRecordsOf_ToleratesDecodedShapes(t *testing.T) {
	native := []map[string]any{{"a": 1}}
	decoded := []any{map[string]any{"a": 1}, "not a record"}

	assert.Len(t, recordsOf(native), 1)
	assert.Len(t, recordsOf(decoded), 1)
	assert.Nil(t, recordsOf("nope"))
}
