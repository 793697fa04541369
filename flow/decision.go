package flow

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// GenericErrorReply is the user-facing reply of a degraded turn. The real
// failure is carried in the outcome's Err field, never shown to the user.
const GenericErrorReply = "Sorry, I ran into a problem while processing your request. Please try again later."

// StepOption configures a DecisionStep.
type StepOption func(*DecisionStep)

// WithStepSystemPrompt overrides the built-in system prompt of the step's
// message builder.
func WithStepSystemPrompt(prompt string) StepOption {
	return func(s *DecisionStep) { s.builder.SetSystemPrompt(prompt) }
}

// WithStepHistoryWindow bounds the trailing dialogue messages included in
// each conversation.
func WithStepHistoryWindow(n int) StepOption {
	return func(s *DecisionStep) { s.builder.SetHistoryWindow(n) }
}

// DecisionStep runs the single reason-act turn at the core of the loop: it
// asks the decision backend what to do with the current message and state,
// executes whatever tool invocations come back and produces the reply text
// for the user.
//
// A turn resolves to one of three shapes. A plain reply is returned as-is.
// Structured tool calls are executed and a follow-up backend call over the
// tool results produces the final reply. Inline <tool_call> blocks embedded
// in reply text are parsed and executed, and the reply is the text with the
// blocks stripped out.
//
// A backend failure anywhere in the turn, including the follow-up call,
// degrades the whole turn: the outcome carries the error and a generic
// apology instead of a reply. Degraded turns never surface as an error to
// the caller.
type DecisionStep struct {
	backend  model.Model
	executor *ToolExecutor
	builder  *MessageBuilder
}

// NewDecisionStep creates a step over the given backend and executor.
func NewDecisionStep(backend model.Model, executor *ToolExecutor, opts ...StepOption) *DecisionStep {
	s := &DecisionStep{
		backend:  backend,
		executor: executor,
		builder:  NewMessageBuilder(""),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decide runs one decision turn without streaming.
func (s *DecisionStep) Decide(rc *core.RunContext, turn TurnInput, state StateReader) StepOutcome {
	return s.decide(rc, turn, state, nil)
}

// DecideStream runs one decision turn, sending partial reply text to deltas
// as it arrives. The caller owns the channel and closes it after DecideStream
// returns; sends are abandoned once the run context is cancelled.
func (s *DecisionStep) DecideStream(rc *core.RunContext, turn TurnInput, state StateReader, deltas chan<- string) StepOutcome {
	onDelta := func(delta string) {
		select {
		case deltas <- delta:
		case <-rc.Done():
		}
	}
	return s.decide(rc, turn, state, onDelta)
}

func (s *DecisionStep) decide(rc *core.RunContext, turn TurnInput, state StateReader, onDelta func(string)) StepOutcome {
	snap := state.Snapshot()
	instructions, contents := s.builder.BuildConversation(turn, snap)

	parallel := true
	req := model.Request{
		Instructions:      instructions,
		Contents:          contents,
		Tools:             s.executor.Registry().Definitions(),
		Stream:            onDelta != nil,
		ParallelToolCalls: &parallel,
	}

	text, calls, err := s.collect(rc, req, onDelta)
	if err != nil {
		return s.degraded(rc, &DecisionBackendError{Streaming: onDelta != nil, Err: err})
	}

	decision := s.resolveDecision(text, calls)

	switch decision.Kind {
	case DecisionStructured:
		return s.runStructured(rc, decision, instructions, contents, onDelta)
	case DecisionInline:
		return s.runInline(rc, decision)
	default:
		return StepOutcome{
			UserMessage:   decision.Reply,
			Reasoning:     buildReasoning(nil),
			Confidence:    defaultConfidence,
			Success:       true,
			ExecutionMode: ExecutionModeSingle,
		}
	}
}

// resolveDecision classifies the backend's first answer. Structured tool
// calls win over everything; otherwise reply text containing parseable
// inline call blocks is treated as an inline decision. Text whose blocks
// cannot be parsed is passed through as a plain reply, markers included.
func (s *DecisionStep) resolveDecision(text string, calls []core.FunctionCall) Decision {
	if len(calls) > 0 {
		invocations := make([]Invocation, 0, len(calls))
		for i, call := range calls {
			id := call.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			invocations = append(invocations, Invocation{
				ID:        id,
				Name:      call.Name,
				Arguments: parseToolArguments(call.Arguments),
			})
		}
		return Decision{Kind: DecisionStructured, Reply: text, Invocations: invocations}
	}

	if strings.Contains(text, "<tool_call>") {
		if invocations := s.executor.ParseInlineInvocations(text); len(invocations) > 0 {
			return Decision{Kind: DecisionInline, Reply: text, Invocations: invocations}
		}
	}

	return Decision{Kind: DecisionReply, Reply: text}
}

// runStructured executes the structured invocations and asks the backend a
// second time, now over the tool results and without tools, for the final
// user-facing reply.
func (s *DecisionStep) runStructured(rc *core.RunContext, decision Decision, instructions string, contents []core.Content, onDelta func(string)) StepOutcome {
	outcomes := s.executor.ExecuteMany(rc, decision.Invocations)

	followUp := make([]core.Content, 0, len(contents)+len(outcomes)+1)
	followUp = append(followUp, contents...)
	followUp = append(followUp, s.builder.BuildToolResultContents(decision.Reply, outcomes)...)

	req := model.Request{
		Instructions: instructions,
		Contents:     followUp,
		Stream:       onDelta != nil,
	}
	reply, _, err := s.collect(rc, req, onDelta)
	if err != nil {
		return s.degraded(rc, &DecisionBackendError{Streaming: onDelta != nil, Err: err})
	}

	return StepOutcome{
		UserMessage:   reply,
		ToolCalls:     outcomes,
		Reasoning:     buildReasoning(outcomes),
		Confidence:    defaultConfidence,
		Success:       true,
		ExecutionMode: executionMode(len(outcomes)),
	}
}

// runInline executes invocations parsed out of reply text. The reply is the
// same text with the call blocks stripped; no follow-up backend call is
// made.
func (s *DecisionStep) runInline(rc *core.RunContext, decision Decision) StepOutcome {
	outcomes := s.executor.ExecuteMany(rc, decision.Invocations)

	return StepOutcome{
		UserMessage:   s.executor.StripInlineMarkers(decision.Reply),
		ToolCalls:     outcomes,
		Reasoning:     buildReasoning(outcomes),
		Confidence:    defaultConfidence,
		Success:       true,
		ExecutionMode: executionMode(len(outcomes)),
	}
}

// collect drains one backend call. Partial text is forwarded to onDelta and
// accumulated as a fallback; the final response's text is authoritative when
// present. Tool calls are gathered across all responses. The first error
// wins, and both channels are always drained to completion.
//
// Every backend call of the turn funnels through here, so this is also where
// the run's model-call budget is spent. An exhausted budget degrades the turn
// the same way a backend failure does.
func (s *DecisionStep) collect(rc *core.RunContext, req model.Request, onDelta func(string)) (string, []core.FunctionCall, error) {
	if rc.Limiter != nil {
		if err := rc.Limiter.Increment(); err != nil {
			return "", nil, err
		}
	}

	respCh, errCh := s.backend.Generate(rc.Context, req)

	var (
		partials  strings.Builder
		finalText string
		hasFinal  bool
		calls     []core.FunctionCall
		firstErr  error
	)

	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			for _, part := range resp.Content.Parts {
				switch p := part.(type) {
				case core.TextPart:
					if resp.Partial {
						partials.WriteString(p.Text)
						if onDelta != nil {
							onDelta(p.Text)
						}
					}
				case core.FunctionCallPart:
					calls = append(calls, p.FunctionCall)
				}
			}
			if !resp.Partial {
				if text := resp.Content.Text(); text != "" {
					finalText = text
					hasFinal = true
				}
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return "", nil, firstErr
	}
	if hasFinal {
		return finalText, calls, nil
	}
	return partials.String(), calls, nil
}

func (s *DecisionStep) degraded(rc *core.RunContext, err error) StepOutcome {
	rc.LogError("decision turn degraded", "error", err)
	return StepOutcome{
		UserMessage:   GenericErrorReply,
		Err:           err.Error(),
		ExecutionMode: ExecutionModeSingle,
	}
}

func buildReasoning(outcomes []ToolOutcome) string {
	if len(outcomes) == 0 {
		return "the model chose to reply conversationally without calling tools"
	}

	var successful, failed []string
	for _, oc := range outcomes {
		if oc.Success {
			successful = append(successful, oc.ToolName)
		} else {
			failed = append(failed, oc.ToolName)
		}
	}

	reason := fmt.Sprintf("the model decided to execute %d tool call(s)", len(outcomes))
	if len(successful) > 0 {
		reason += "; successful: " + strings.Join(successful, ", ")
	}
	if len(failed) > 0 {
		reason += "; failed: " + strings.Join(failed, ", ")
	}
	return reason
}

func executionMode(n int) string {
	if n > 1 {
		return ExecutionModeParallel
	}
	return ExecutionModeSingle
}
