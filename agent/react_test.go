package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/flow"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

var emptySchema = map[string]any{"type": "object", "properties": map[string]any{}}

// stubModel plays back a fixed sequence of backend answers, one per Generate
// call, and records every request it saw.
type stubStep struct {
	text  string
	calls []core.FunctionCall
	err   error
}

type stubModel struct {
	mu       sync.Mutex
	steps    []stubStep
	requests []model.Request
}

func newStubModel(steps ...stubStep) *stubModel {
	return &stubModel{steps: steps}
}

func (m *stubModel) Generate(_ context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var step stubStep
	if len(m.steps) > 0 {
		step = m.steps[0]
		m.steps = m.steps[1:]
	}
	m.mu.Unlock()

	respCh := make(chan model.Response, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if step.err != nil {
			errCh <- step.err
			return
		}
		if len(step.calls) > 0 {
			parts := make([]core.Part, 0, len(step.calls))
			for _, fc := range step.calls {
				parts = append(parts, core.FunctionCallPart{FunctionCall: fc})
			}
			respCh <- model.Response{
				Content:      core.Content{Role: "assistant", Parts: parts},
				FinishReason: "tool_calls",
			}
			return
		}
		if req.Stream {
			for _, r := range step.text {
				respCh <- model.Response{
					Partial: true,
					Content: core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: string(r)}}},
				}
			}
		}
		respCh <- model.Response{
			Content:      core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: step.text}}},
			FinishReason: "stop",
		}
	}()

	return respCh, errCh
}

func (m *stubModel) Info() model.Info {
	return model.Info{Name: "stub", Provider: "test", SupportsTools: true}
}

func (m *stubModel) firstRequest() model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[0]
}

// newRunContext builds a run context over a detached in-memory session. The
// resume channel mimics the runner: buffered so a signal sent before the
// flow waits is not lost.
func newRunContext(userText string, resume <-chan struct{}) (*core.RunContext, chan core.Event) {
	emit := make(chan core.Event, 32)

	var content core.Content
	if userText != "" {
		content = core.NewUserText(userText)
	}

	rc := core.NewRunContext(context.Background(), "sess-1", "run-1",
		core.AgentInfo{Name: "planner", Type: "react"},
		content, 0, emit, resume, core.NewSession("sess-1"), nil, logging.NoOpLogger{})
	return rc, emit
}

// runAndCollect runs the agent and gathers everything it emitted, signalling
// resume after each non-partial event the way the runner does.
func runAndCollect(t *testing.T, a core.Agent, rc *core.RunContext, emit chan core.Event, resume chan<- struct{}) []core.Event {
	t.Helper()

	var (
		collected []core.Event
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range emit {
			collected = append(collected, ev)
			if !ev.IsPartial() && resume != nil {
				select {
				case resume <- struct{}{}:
				default:
				}
			}
		}
	}()

	err := a.Run(rc)
	close(emit)
	wg.Wait()

	require.NoError(t, err)
	return collected
}

func TestNewReactAgent_Defaults(t *testing.T) {
	a := NewReactAgent("planner", newStubModel(), nil)

	assert.Equal(t, "planner", a.Name())
	assert.Equal(t, "Agent planner", a.Description())
	assert.False(t, a.IsRunning())
	require.NotNil(t, a.Registry())
	assert.Empty(t, a.ListTools())
	assert.NotNil(t, a.Flow())
}

func TestNewReactAgent_Options(t *testing.T) {
	reg, err := tool.NewRegistry()
	require.NoError(t, err)

	a := NewReactAgent("planner", newStubModel(), reg, func(o *ReactAgentOptions) {
		o.Description = "turns ideas into plans"
	})

	assert.Equal(t, "turns ideas into plans", a.Description())
	assert.Same(t, reg, a.Registry())
}

func TestReactAgent_Lifecycle(t *testing.T) {
	a := NewReactAgent("planner", newStubModel(), nil)
	rc, _ := newRunContext("", nil)

	require.NoError(t, a.Start(rc))
	assert.True(t, a.IsRunning())
	assert.Error(t, a.Start(rc), "second start must be rejected")

	require.NoError(t, a.Stop(rc))
	assert.False(t, a.IsRunning())
	assert.Error(t, a.Stop(rc), "stopping a stopped agent must fail")
}

func TestReactAgent_ToolManagement(t *testing.T) {
	a := NewReactAgent("planner", newStubModel(), nil)

	echo := tool.NewFunctionTool("echo", "echoes input", emptySchema,
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			return args, nil
		})

	require.NoError(t, a.RegisterTool(echo))
	assert.True(t, a.HasTool("echo"))
	assert.False(t, a.HasTool("missing"))
	assert.Equal(t, []string{"echo"}, a.ListTools())

	assert.Error(t, a.RegisterTool(echo), "duplicate registration must fail")
}

func TestReactAgent_RunEmitsTerminalWithStateDelta(t *testing.T) {
	a := NewReactAgent("planner", newStubModel(stubStep{text: "Hi there"}), nil)
	rc, emit := newRunContext("hello", nil)

	events := runAndCollect(t, a, rc, emit, nil)

	require.Len(t, events, 1)
	final := events[0]
	assert.True(t, final.IsTurnComplete())
	assert.Equal(t, core.TransitionWaitForUser, final.GetTransition())
	assert.Equal(t, "planner", final.Author)
	assert.Equal(t, "Hi there", final.Content.Text())

	// The terminal event carries the turn's staged state so the runner can
	// persist it; the staging buffer is drained in the process.
	require.NotNil(t, final.Actions.StateDelta)
	assert.Contains(t, final.Actions.StateDelta, flow.StateKeyDialogueHistory)
	assert.Contains(t, final.Actions.StateDelta, flow.StateKeyTurnCount)
	assert.Empty(t, rc.StateDelta)
}

func TestReactAgent_RunToolTurnChoreography(t *testing.T) {
	plan := tool.NewFunctionTool(flow.ToolShortPlanning, "drafts the milestone plan", emptySchema,
		func(_ *core.ToolContext, _ map[string]any) (any, error) {
			return map[string]any{"milestones": []string{"m1", "m2"}}, nil
		})
	reg, err := tool.NewRegistry(plan)
	require.NoError(t, err)

	backend := newStubModel(
		stubStep{calls: []core.FunctionCall{{ID: "c1", Name: flow.ToolShortPlanning, Arguments: `{}`}}},
		stubStep{text: "Plan ready."},
	)
	a := NewReactAgent("planner", backend, reg)

	resume := make(chan struct{}, 1)
	rc, emit := newRunContext("plan my project", resume)

	events := runAndCollect(t, a, rc, emit, resume)

	require.Len(t, events, 2)

	responses := events[0].GetFunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, flow.ToolShortPlanning, responses[0].Name)
	assert.Empty(t, events[0].Actions.StateDelta, "intermediate events pass through without state")

	final := events[1]
	assert.Equal(t, core.TransitionWaitForUser, final.GetTransition())
	assert.Equal(t, "Plan ready.", final.Content.Text())
	require.NotNil(t, final.Actions.StateDelta)
	assert.Contains(t, final.Actions.StateDelta, flow.StateKeyToolHistory)
	assert.Contains(t, final.Actions.StateDelta, flow.StateKeyConfirmationDocument)

	assert.Equal(t, 1, a.Stats().TotalToolCalls)
	assert.Equal(t, 1, a.ExecutorStats().TotalExecutions)
}

func TestReactAgent_InstructionOverridesPrompt(t *testing.T) {
	backend := newStubModel(stubStep{text: "ok"})
	a := NewReactAgent("planner", backend, nil, func(o *ReactAgentOptions) {
		o.Instruction = NewInstructionFromText("You are a terse assistant.")
	})
	rc, emit := newRunContext("hello", nil)

	runAndCollect(t, a, rc, emit, nil)

	assert.Equal(t, "You are a terse assistant.", backend.firstRequest().Instructions)
}

func TestReactAgent_InstructionProviderSeesState(t *testing.T) {
	backend := newStubModel(stubStep{text: "ok"})
	a := NewReactAgent("planner", backend, nil, func(o *ReactAgentOptions) {
		o.Instruction = NewInstructionFromFunc(func(rc *core.RunContext) (string, error) {
			stage, _ := rc.GetState(flow.StateKeyCurrentStage)
			if stage == nil {
				stage = "initialization"
			}
			return "Stage: " + stage.(string), nil
		})
	})
	rc, emit := newRunContext("hello", nil)
	rc.Session.SetState(flow.StateKeyCurrentStage, "research")

	runAndCollect(t, a, rc, emit, nil)

	assert.Equal(t, "Stage: research", backend.firstRequest().Instructions)
}

func TestReactAgent_InstructionErrorFailsTurn(t *testing.T) {
	a := NewReactAgent("planner", newStubModel(stubStep{text: "never reached"}), nil, func(o *ReactAgentOptions) {
		o.Instruction = NewInstructionFromFunc(func(*core.RunContext) (string, error) {
			return "", errors.New("prompt store offline")
		})
	})
	rc, emit := newRunContext("hello", nil)

	events := runAndCollect(t, a, rc, emit, nil)

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, core.TransitionError, ev.GetTransition())
	require.NotNil(t, ev.ErrorMessage)
	assert.Contains(t, *ev.ErrorMessage, "resolve instructions")
	assert.Contains(t, *ev.ErrorMessage, "prompt store offline")
	assert.Contains(t, ev.Actions.StateDelta, flow.StateKeyReactError)
}

func TestReactAgent_StreamingForwardsPartials(t *testing.T) {
	a := NewReactAgent("planner", newStubModel(stubStep{text: "Hello"}), nil, func(o *ReactAgentOptions) {
		o.EnableStreaming = true
	})
	rc, emit := newRunContext("hi", nil)

	events := runAndCollect(t, a, rc, emit, nil)

	var partials strings.Builder
	var finals []core.Event
	for _, ev := range events {
		if ev.IsPartial() {
			partials.WriteString(ev.Content.Text())
		} else {
			finals = append(finals, ev)
		}
	}

	assert.Equal(t, "Hello", partials.String())
	require.Len(t, finals, 1)
	assert.Equal(t, "Hello", finals[0].Content.Text())
}
