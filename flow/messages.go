package flow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentloop/core"
)

const defaultSystemPrompt = `You are a planning assistant that helps users turn project ideas into
structured requirements, research findings and architecture designs.

You decide on every turn whether to reply to the user directly or to call
one or more of the available tools. Call tools only when the current state
shows they are feasible and their result is still missing. When you have
nothing to run, answer the user conversationally and explain what you need
from them to make progress.`

// MessageBuilder assembles the conversation a decision backend sees for one
// turn: the system instructions, a digest of recently executed tools, the
// trailing dialogue history and the current user message with its state
// description.
type MessageBuilder struct {
	systemPrompt string
	window       int
	state        StateAccessor
}

// NewMessageBuilder creates a builder with the given system prompt, falling
// back to the built-in planning prompt when empty.
func NewMessageBuilder(systemPrompt string) *MessageBuilder {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &MessageBuilder{systemPrompt: systemPrompt, window: maxHistoryMessages}
}

// SetSystemPrompt replaces the system prompt. Empty keeps the current one.
func (b *MessageBuilder) SetSystemPrompt(prompt string) {
	if prompt != "" {
		b.systemPrompt = prompt
	}
}

// SetHistoryWindow bounds how many trailing dialogue messages each
// conversation carries. Values below one keep the current window.
func (b *MessageBuilder) SetHistoryWindow(n int) {
	if n > 0 {
		b.window = n
	}
}

// BuildConversation renders the instructions and contents for a decision
// call. The current user message appears twice on purpose: once inside the
// trailing history and once in the final block together with the state
// description, so the model always sees message and state side by side.
func (b *MessageBuilder) BuildConversation(turn TurnInput, snap map[string]any) (string, []core.Content) {
	instructions := b.systemPrompt
	if turn.Instructions != "" {
		instructions = turn.Instructions
	}
	if digest := b.toolHistoryDigest(snap); digest != "" {
		instructions += "\n\n" + digest
	}

	var contents []core.Content

	messages := dialogueMessages(snap)
	if len(messages) > b.window {
		messages = messages[len(messages)-b.window:]
	}
	for _, msg := range messages {
		role := stringField(msg, "role")
		if role != "user" && role != "assistant" {
			continue
		}
		content := stringField(msg, "content")
		if role == "assistant" {
			content = annotateAssistantContent(content, mapOf(msg["metadata"]))
		}
		contents = append(contents, core.Content{
			Role:  role,
			Parts: []core.Part{core.TextPart{Text: content}},
		})
	}

	contents = append(contents, core.NewUserText(fmt.Sprintf(
		"User message: %s\n\nCurrent state:\n%s", turn.UserMessage, turn.StateInfo,
	)))

	return instructions, contents
}

// BuildToolResultContents renders an assistant turn with its tool calls and
// the matching tool result messages, the shape the backend expects for the
// follow-up call that produces the final user-facing reply.
func (b *MessageBuilder) BuildToolResultContents(assistantText string, outcomes []ToolOutcome) []core.Content {
	assistant := core.Content{Role: "assistant"}
	if assistantText != "" {
		assistant.Parts = append(assistant.Parts, core.TextPart{Text: assistantText})
	}
	for _, oc := range outcomes {
		args, err := json.Marshal(oc.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		assistant.Parts = append(assistant.Parts, core.FunctionCallPart{
			FunctionCall: core.FunctionCall{
				ID:        oc.CallID,
				Name:      oc.ToolName,
				Arguments: string(args),
			},
		})
	}

	contents := []core.Content{assistant}
	for _, oc := range outcomes {
		response := core.FunctionResponse{
			ID:       oc.CallID,
			Name:     oc.ToolName,
			Response: oc.Result,
		}
		if !oc.Success {
			response.Error = oc.Error
		}
		contents = append(contents, core.Content{
			Role:  "tool",
			Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: response}},
		})
	}
	return contents
}

// toolHistoryDigest summarizes which tools already succeeded so the model
// does not call them again. At most the five most recent distinct tools are
// listed, oldest first.
func (b *MessageBuilder) toolHistoryDigest(snap map[string]any) string {
	type entry struct {
		name string
		at   string
	}

	var entries []entry
	index := map[string]int{}
	for _, record := range toolHistory(snap) {
		if !boolField(record, "success") {
			continue
		}
		name := stringField(record, "tool_name")
		if name == "" {
			continue
		}
		at := time.Unix(int64(floatField(record, "timestamp")), 0).Format("15:04:05")
		if i, ok := index[name]; ok {
			entries[i].at = at
			continue
		}
		index[name] = len(entries)
		entries = append(entries, entry{name: name, at: at})
	}
	if len(entries) == 0 {
		return ""
	}
	if len(entries) > maxDigestTools {
		entries = entries[len(entries)-maxDigestTools:]
	}

	var sb strings.Builder
	sb.WriteString("Recently executed tools:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s at %s\n", e.name, e.at)
	}
	sb.WriteString("Do not call these tools again unless the user explicitly asks for a rerun.")
	return sb.String()
}

// annotateAssistantContent appends a short execution note to historical
// assistant messages that carried tool calls, naming each tool and what its
// result produced.
func annotateAssistantContent(content string, metadata map[string]any) string {
	calls := recordsOf(metadata["tool_calls"])
	if len(calls) == 0 {
		return content
	}

	var notes []string
	for _, call := range calls {
		name := stringField(call, "tool_name")
		if name == "" {
			continue
		}
		if hint := resultHint(mapOf(call["result"])); hint != "" {
			name = fmt.Sprintf("%s (%s)", name, hint)
		}
		notes = append(notes, name)
	}
	if len(notes) == 0 {
		return content
	}
	return content + "\n[Executed tools: " + strings.Join(notes, ", ") + "]"
}

// resultHint inspects a recorded tool result for the marker key of one of
// the pipeline documents.
func resultHint(result map[string]any) string {
	switch {
	case result == nil:
		return ""
	case hasValue(result["project_overview"]):
		return "requirements captured"
	case hasValue(result["milestones"]):
		return "plan drafted"
	case hasValue(result["topics"]), hasValue(result["keyword_results"]):
		return "research findings ready"
	case hasValue(result["architecture"]):
		return "architecture designed"
	default:
		return ""
	}
}

