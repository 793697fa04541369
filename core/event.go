package core

import (
	"time"

	"github.com/google/uuid"
)

// EventActions encodes side-effects attached to an Event. StateDelta holds
// session state mutations staged by the producer; the runner applies the
// delta to the session when the event is recorded, so downstream consumers
// always observe state and event history in the same order.
type EventActions struct {
	StateDelta map[string]any `json:"state_delta,omitempty"`
}

// Event is the primary unit of communication between agents, flows, the
// runner and external clients. After emission it should be treated as
// immutable. It captures:
//   - Correlation (InvocationID, ID, Author)
//   - Conversational content (optional role-based Parts)
//   - Staged state mutations (Actions.StateDelta)
//   - Loop routing (Transition, set on terminal events)
//   - Error metadata
//   - High precision UTC timestamp
//
// Content may be nil for control or error-only events. Timestamp uses a
// native time.Time (UTC). Use helper methods (e.g. UnixSeconds) if numeric
// forms are needed for metrics or legacy clients.
type Event struct {
	ID           string       `json:"id"`
	InvocationID string       `json:"invocation_id"`
	Author       string       `json:"author"`
	Actions      EventActions `json:"actions"`
	Timestamp    time.Time    `json:"timestamp"`
	Content      *Content     `json:"content,omitempty"`
	Partial      *bool        `json:"partial,omitempty"`
	TurnComplete *bool        `json:"turn_complete,omitempty"`
	Transition   *string      `json:"transition,omitempty"`
	ErrorCode    *string      `json:"error_code,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
}

// NewEvent creates a bare event authored by 'author' bound to an invocation.
// Prefer helper constructors for common semantic categories (message,
// function call/response, turn completion).
func NewEvent(invocationID, author string) Event {
	return Event{
		ID:           NewID(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now().UTC(),
		Actions:      EventActions{},
	}
}

// NewMessageEvent creates a non-user assistant message event with a single
// text part. Author can be an agent name or system identifier.
func NewMessageEvent(author, message string) Event {
	e := NewEvent("", author)
	e.Content = &Content{Role: "assistant", Parts: []Part{TextPart{Text: message}}}
	return e
}

// NewUserMessageEvent creates a user-authored text message event.
func NewUserMessageEvent(invocationID, message string) Event {
	e := NewEvent(invocationID, "user")
	e.Content = &Content{Role: "user", Parts: []Part{TextPart{Text: message}}}
	return e
}

// NewUserContentEvent creates a user-authored event with arbitrary Content.
// Useful for cases where the Content is not just a simple text message.
func NewUserContentEvent(invocationID string, content *Content) Event {
	e := NewEvent(invocationID, "user")
	e.Content = content
	return e
}

// NewFunctionCallEvent represents an agent requesting execution of a named
// function/tool.
func NewFunctionCallEvent(author, functionName, args string) Event {
	e := NewEvent("", author)
	e.Content = &Content{
		Role: "assistant",
		Parts: []Part{
			FunctionCallPart{
				FunctionCall: FunctionCall{
					Name:      functionName,
					Arguments: args,
				},
			},
		},
	}
	return e
}

// NewFunctionResponseEvent records the completion result (or error) of a
// tool/function invocation. If err is non-nil its message is copied into the
// response.Error field.
func NewFunctionResponseEvent(author, id, functionName string, result interface{}, err error) Event {
	e := NewEvent("", author)
	fr := FunctionResponse{ID: id, Name: functionName, Response: result}
	if err != nil {
		fr.Error = err.Error()
	}
	e.Content = &Content{Role: "tool", Parts: []Part{FunctionResponsePart{FunctionResponse: fr}}}
	return e
}

// NewTurnCompleteEvent builds the terminal event of a turn: an assistant
// message carrying the transition the runner should take next. State
// mutations staged during the turn travel in Actions.StateDelta.
func NewTurnCompleteEvent(invocationID, author, message, transition string) Event {
	e := NewEvent(invocationID, author)
	if message != "" {
		e.Content = &Content{Role: "assistant", Parts: []Part{TextPart{Text: message}}}
	}
	complete := true
	e.TurnComplete = &complete
	e.Transition = &transition
	return e
}

// NewErrorEvent builds a terminal error event routed over the "error"
// transition. Code identifies the failure category for clients.
func NewErrorEvent(invocationID, author, code, message string) Event {
	e := NewEvent(invocationID, author)
	complete := true
	e.TurnComplete = &complete
	e.ErrorCode = &code
	e.ErrorMessage = &message
	transition := TransitionError
	e.Transition = &transition
	return e
}

// NewID generates a new unique identifier for events.
//
// This function creates a UUID-based unique identifier that can be used
// for event tracking and correlation throughout the framework.
//
// Returns a string representation of a new UUID.
func NewID() string { return uuid.NewString() }

// IsPartial reports whether this event represents a streaming / incomplete
// fragment that will be followed by additional events composing the final
// assistant turn.
func (e Event) IsPartial() bool { return e.Partial != nil && *e.Partial }

// IsTurnComplete reports whether this event terminates a turn.
func (e Event) IsTurnComplete() bool { return e.TurnComplete != nil && *e.TurnComplete }

// GetTransition returns the routing label attached to the event, or "".
func (e Event) GetTransition() string {
	if e.Transition == nil {
		return ""
	}
	return *e.Transition
}

// GetFunctionCalls returns any FunctionCall parts contained within the event
// content preserving their original order.
func (e Event) GetFunctionCalls() []FunctionCall {
	if e.Content == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range e.Content.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// GetFunctionResponses returns any FunctionResponse parts contained within the
// event content preserving their original order.
func (e Event) GetFunctionResponses() []FunctionResponse {
	if e.Content == nil {
		return nil
	}
	var responses []FunctionResponse
	for _, p := range e.Content.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// IsFinalResponse implements the heuristic used by higher layers to decide
// when an assistant turn is complete (no pending tool calls/responses, not a
// partial fragment).
func (e Event) IsFinalResponse() bool {
	if e.IsTurnComplete() {
		return true
	}

	return len(e.GetFunctionCalls()) == 0 &&
		len(e.GetFunctionResponses()) == 0 &&
		!e.IsPartial()
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
// Useful for metrics & numeric serialization paths.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
