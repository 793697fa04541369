package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// Well-known session state keys owned by the control loop. The loop only
// ever adds or updates these keys; it never deletes unrelated caller keys.
const (
	StateKeyDialogueHistory        = "dialogue_history"
	StateKeyStructuredRequirements = "structured_requirements"
	StateKeyConfirmationDocument   = "confirmation_document"
	StateKeyResearchFindings       = "research_findings"
	StateKeyArchitectureDocument   = "agent_design_document"
	StateKeyCurrentStage           = "current_stage"
	StateKeyTurnCount              = "react_cycle_count"
	StateKeyToolHistory            = "tool_execution_history"
	StateKeyReactError             = "react_error"
	StateKeyPostError              = "react_post_error"
)

// Catalog tool names with a reserved result slot in session state.
const (
	ToolRequirementsAnalysis = "requirements_analysis"
	ToolShortPlanning        = "short_planning"
	ToolResearch             = "research"
	ToolArchitectureDesign   = "architecture_design"
)

const (
	defaultStage          = "initialization"
	defaultConfidence     = 0.8
	maxHistoryMessages    = 6
	maxToolHistoryRecords = 50
	maxDigestTools        = 5
)

// resultStateKeys maps a tool name to the state key its successful result is
// folded into by the applying phase.
var resultStateKeys = map[string]string{
	ToolRequirementsAnalysis: StateKeyStructuredRequirements,
	ToolShortPlanning:        StateKeyConfirmationDocument,
	ToolResearch:             StateKeyResearchFindings,
	ToolArchitectureDesign:   StateKeyArchitectureDocument,
}

// StateAccessor reads and mutates the session state owned by the control
// loop: dialogue history, the flat tool execution history and the per-tool
// result documents. Reads operate on a state snapshot; writes stage deltas
// through the run context so they travel with the turn's terminal event.
type StateAccessor struct{}

// LatestUserMessage returns the content of the most recent user message in
// dialogue history, or "" when there is none.
func (StateAccessor) LatestUserMessage(snap map[string]any) string {
	messages := dialogueMessages(snap)
	for i := len(messages) - 1; i >= 0; i-- {
		if stringField(messages[i], "role") == "user" {
			return stringField(messages[i], "content")
		}
	}
	return ""
}

// CurrentStage returns the recorded conversation stage, defaulting to
// "initialization".
func (StateAccessor) CurrentStage(snap map[string]any) string {
	if stage := stringOf(snap[StateKeyCurrentStage]); stage != "" {
		return stage
	}
	return defaultStage
}

// TurnCount returns the number of completed turns recorded in state.
func (StateAccessor) TurnCount(snap map[string]any) int {
	return intOf(snap[StateKeyTurnCount])
}

// IncrementTurnCount advances the turn counter by one and stages the new
// value. It returns the new count.
func (a StateAccessor) IncrementTurnCount(rc *core.RunContext) int {
	count := a.TurnCount(rc.StateSnapshot()) + 1
	rc.SetState(StateKeyTurnCount, count)
	return count
}

// AppendUserMessage appends an incoming user message to dialogue history.
func (StateAccessor) AppendUserMessage(rc *core.RunContext, message string) {
	messages := dialogueMessages(rc.StateSnapshot())
	messages = append(messages, map[string]any{
		"timestamp": float64(time.Now().Unix()),
		"role":      "user",
		"content":   message,
	})
	rc.SetState(StateKeyDialogueHistory, map[string]any{"messages": messages})
}

// AppendAssistantMessage appends the assistant reply for a completed turn to
// dialogue history, carrying the executed tool calls, the reasoning trace
// and the decision confidence as metadata.
func (StateAccessor) AppendAssistantMessage(rc *core.RunContext, message string, toolCalls []ToolOutcome, reasoning string, confidence float64) {
	if message == "" {
		return
	}

	calls := make([]map[string]any, 0, len(toolCalls))
	for _, oc := range toolCalls {
		calls = append(calls, map[string]any{
			"tool_name": oc.ToolName,
			"success":   oc.Success,
			"result":    oc.Result,
		})
	}

	messages := dialogueMessages(rc.StateSnapshot())
	messages = append(messages, map[string]any{
		"timestamp": float64(time.Now().Unix()),
		"role":      "assistant",
		"content":   message,
		"metadata": map[string]any{
			"agent_source": "react_loop",
			"tool_calls":   calls,
			"reasoning":    reasoning,
			"confidence":   confidence,
		},
	})
	rc.SetState(StateKeyDialogueHistory, map[string]any{"messages": messages})
}

// RecordToolExecution appends one outcome to the flat tool execution
// history. The history is append-only; once it exceeds the cap the oldest
// records are trimmed, surviving records are never rewritten.
func (StateAccessor) RecordToolExecution(rc *core.RunContext, oc ToolOutcome) {
	history := toolHistory(rc.StateSnapshot())
	record := map[string]any{
		"timestamp":      float64(time.Now().Unix()),
		"tool_name":      oc.ToolName,
		"tool_args":      oc.Arguments,
		"result":         oc.Result,
		"success":        oc.Success,
		"execution_time": oc.ExecutionTime,
		"session_id":     rc.SessionID,
	}
	if oc.Error != "" {
		record["error"] = oc.Error
	}

	history = append(history, record)
	if len(history) > maxToolHistoryRecords {
		history = history[len(history)-maxToolHistoryRecords:]
	}
	rc.SetState(StateKeyToolHistory, history)
}

// ApplyToolResult folds a successful outcome's result into the state key
// reserved for its tool. Failed outcomes, empty results and tools without a
// reserved slot are ignored.
func (StateAccessor) ApplyToolResult(rc *core.RunContext, oc ToolOutcome) {
	if !oc.Success || len(oc.Result) == 0 {
		return
	}
	key, ok := resultStateKeys[oc.ToolName]
	if !ok {
		return
	}
	rc.SetState(key, oc.Result)
}

// SuccessfullyExecutedTools returns the distinct names of tools with at
// least one successful record in the flat history, in first-success order.
func (StateAccessor) SuccessfullyExecutedTools(snap map[string]any) []string {
	var names []string
	seen := map[string]bool{}
	for _, record := range toolHistory(snap) {
		if !boolField(record, "success") {
			continue
		}
		name := stringField(record, "tool_name")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// ExecutionSummary aggregates the flat tool execution history.
type ExecutionSummary struct {
	Total             int
	Successful        int
	Failed            int
	Tools             []string
	LastExecutionTime float64
	Timeline          []TimelineEntry
}

// TimelineEntry is one tool execution in chronological order.
type TimelineEntry struct {
	Tool      string
	Timestamp float64
	Success   bool
}

// Summarize computes totals over the flat tool execution history.
func (a StateAccessor) Summarize(snap map[string]any) ExecutionSummary {
	summary := ExecutionSummary{}
	seen := map[string]bool{}
	for _, record := range toolHistory(snap) {
		summary.Total++
		success := boolField(record, "success")
		if success {
			summary.Successful++
		} else {
			summary.Failed++
		}
		name := stringField(record, "tool_name")
		if name == "" {
			continue
		}
		if !seen[name] {
			seen[name] = true
			summary.Tools = append(summary.Tools, name)
		}
		ts := floatField(record, "timestamp")
		if ts > summary.LastExecutionTime {
			summary.LastExecutionTime = ts
		}
		summary.Timeline = append(summary.Timeline, TimelineEntry{Tool: name, Timestamp: ts, Success: success})
	}
	return summary
}

// HasToolBeenExecuted reports whether the history holds at least one
// successful record for the tool.
func (StateAccessor) HasToolBeenExecuted(snap map[string]any, name string) bool {
	for _, record := range toolHistory(snap) {
		if stringField(record, "tool_name") == name && boolField(record, "success") {
			return true
		}
	}
	return false
}

// LastExecutionOf returns the most recent history record for the tool,
// successful or not. Nil when the tool never ran.
func (StateAccessor) LastExecutionOf(snap map[string]any, name string) map[string]any {
	history := toolHistory(snap)
	for i := len(history) - 1; i >= 0; i-- {
		if stringField(history[i], "tool_name") == name {
			return history[i]
		}
	}
	return nil
}

// BuildStateDescription renders the textual state snapshot the decision
// backend receives with every turn: completed work, execution totals, data
// completeness, progress counters and which tools are currently feasible.
func (a StateAccessor) BuildStateDescription(snap map[string]any, userMessage string) string {
	completed := a.completedTasks(snap)
	completeness := a.dataCompleteness(snap)
	feasibility := a.toolFeasibility(completeness, userMessage)
	summary := a.Summarize(snap)

	var b strings.Builder
	b.WriteString("Current state analysis:\n\n")
	fmt.Fprintf(&b, "Latest user message: %s\n\n", userMessage)
	fmt.Fprintf(&b, "Completed tasks: %s\n\n", joinOrNone(completed))

	b.WriteString("Tool execution summary:\n")
	fmt.Fprintf(&b, "- total executions: %d\n", summary.Total)
	fmt.Fprintf(&b, "- successful: %d\n", summary.Successful)
	fmt.Fprintf(&b, "- failed: %d\n", summary.Failed)
	fmt.Fprintf(&b, "- tools executed: %s\n\n", joinOrNone(summary.Tools))

	b.WriteString("Data completeness:\n")
	writeStatus(&b, "requirements analysis", completeness.requirements)
	writeStatus(&b, "scope confirmation document", completeness.planning)
	writeStatus(&b, "research findings", completeness.research)
	writeStatus(&b, "architecture design", completeness.architecture)
	b.WriteString("\n")

	b.WriteString("Progress:\n")
	fmt.Fprintf(&b, "- completed turns: %d\n", a.TurnCount(snap))
	fmt.Fprintf(&b, "- current stage: %s\n", a.CurrentStage(snap))
	fmt.Fprintf(&b, "- dialogue messages: %d\n\n", len(dialogueMessages(snap)))

	b.WriteString("Tool feasibility:\n")
	writeFeasibility(&b, ToolRequirementsAnalysis, feasibility.requirementsAnalysis, "needs a user message")
	writeFeasibility(&b, ToolShortPlanning, feasibility.shortPlanning, "needs completed requirements analysis")
	writeFeasibility(&b, ToolResearch, feasibility.research, "needs completed requirements analysis")
	writeFeasibility(&b, ToolArchitectureDesign, feasibility.architectureDesign, "needs completed requirements analysis and research")
	b.WriteString("\n")

	b.WriteString("Decide the next action. Priorities:\n")
	b.WriteString("1. Check the execution history first and avoid repeating tools that already succeeded.\n")
	b.WriteString("2. Judge the user's intent (is there a concrete project request?).\n")
	b.WriteString("3. Check which tools are feasible right now.\n")
	b.WriteString("4. Pick the action that best advances data completeness.\n")
	b.WriteString("5. Prefer talking to the user unless specialized processing is clearly needed.\n")

	return b.String()
}

// completedTasks lists completed work, preferring the execution history and
// falling back to checking which result documents are present.
func (a StateAccessor) completedTasks(snap map[string]any) []string {
	if executed := a.SuccessfullyExecutedTools(snap); len(executed) > 0 {
		return executed
	}

	var tasks []string
	if hasValue(snap[StateKeyStructuredRequirements]) {
		tasks = append(tasks, ToolRequirementsAnalysis)
	}
	if hasValue(snap[StateKeyConfirmationDocument]) {
		tasks = append(tasks, ToolShortPlanning)
	}
	if hasValue(snap[StateKeyResearchFindings]) {
		tasks = append(tasks, ToolResearch)
	}
	if hasValue(snap[StateKeyArchitectureDocument]) {
		tasks = append(tasks, ToolArchitectureDesign)
	}
	return tasks
}

type completeness struct {
	requirements bool
	planning     bool
	research     bool
	architecture bool
}

// dataCompleteness checks whether each pipeline document is present and has
// its expected shape, not just whether the key exists.
func (StateAccessor) dataCompleteness(snap map[string]any) completeness {
	c := completeness{
		planning:     hasValue(snap[StateKeyConfirmationDocument]),
		architecture: hasValue(snap[StateKeyArchitectureDocument]),
	}

	if requirements := mapOf(snap[StateKeyStructuredRequirements]); requirements != nil {
		c.requirements = hasValue(requirements["project_overview"])
	}

	if findings := mapOf(snap[StateKeyResearchFindings]); findings != nil {
		c.research = hasValue(findings["topics"]) || hasValue(findings["keyword_results"])
	}

	return c
}

type feasibility struct {
	requirementsAnalysis bool
	shortPlanning        bool
	research             bool
	architectureDesign   bool
}

func (StateAccessor) toolFeasibility(c completeness, userMessage string) feasibility {
	return feasibility{
		requirementsAnalysis: userMessage != "",
		shortPlanning:        c.requirements,
		research:             c.requirements,
		architectureDesign:   c.requirements && c.research,
	}
}

func writeStatus(b *strings.Builder, label string, done bool) {
	status := "missing"
	if done {
		status = "complete"
	}
	fmt.Fprintf(b, "- %s: %s\n", label, status)
}

func writeFeasibility(b *strings.Builder, tool string, feasible bool, reason string) {
	if feasible {
		fmt.Fprintf(b, "- %s: callable\n", tool)
		return
	}
	fmt.Fprintf(b, "- %s: blocked (%s)\n", tool, reason)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// dialogueMessages extracts the dialogue history message records from a
// snapshot, tolerating both native and JSON-decoded shapes.
func dialogueMessages(snap map[string]any) []map[string]any {
	history := mapOf(snap[StateKeyDialogueHistory])
	if history == nil {
		return nil
	}
	return recordsOf(history["messages"])
}

// toolHistory extracts the flat tool execution history from a snapshot.
func toolHistory(snap map[string]any) []map[string]any {
	return recordsOf(snap[StateKeyToolHistory])
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func recordsOf(v any) []map[string]any {
	switch s := v.(type) {
	case []map[string]any:
		out := make([]map[string]any, len(s))
		copy(out, s)
		return out
	case []any:
		out := make([]map[string]any, 0, len(s))
		for _, item := range s {
			if m := mapOf(item); m != nil {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func stringField(m map[string]any, key string) string { return stringOf(m[key]) }

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// intOf converts the numeric shapes a state value can take after round
// tripping through JSON.
func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func floatField(m map[string]any, key string) float64 { return floatOf(m[key]) }

// hasValue reports whether a state value is present and non-empty.
func hasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case bool:
		return t
	default:
		return true
	}
}
