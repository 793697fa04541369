package agentloop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/config"
	"github.com/hupe1980/agentloop/core"
)

// stubAgent is a minimal core.Agent whose Run body is supplied by the test.
// The default Run emits one terminal event.
type stubAgent struct {
	name  string
	runFn func(rc *core.RunContext) error

	mu      sync.Mutex
	lastRun *core.RunContext
}

func (a *stubAgent) Name() string                    { return a.name }
func (a *stubAgent) Description() string             { return "stub test agent" }
func (a *stubAgent) Start(rc *core.RunContext) error { return nil }
func (a *stubAgent) Stop(rc *core.RunContext) error  { return nil }

func (a *stubAgent) Run(rc *core.RunContext) error {
	a.mu.Lock()
	a.lastRun = rc
	a.mu.Unlock()

	if a.runFn != nil {
		return a.runFn(rc)
	}

	return rc.EmitEvent(core.NewTurnCompleteEvent(rc.RunID, a.name, "done", core.TransitionWaitForUser))
}

func (a *stubAgent) runContext() *core.RunContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRun
}

func TestRunSync_CollectsEvents(t *testing.T) {
	stub := &stubAgent{name: "stub"}
	stub.runFn = func(rc *core.RunContext) error {
		if err := rc.EmitEvent(core.NewMessageEvent("stub", "working")); err != nil {
			return err
		}
		return rc.EmitEvent(core.NewTurnCompleteEvent(rc.RunID, "stub", "all done", core.TransitionWaitForUser))
	}

	loop := New(stub)

	runID, events, err := loop.RunSync(context.Background(), "s1", core.NewUserText("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	require.Len(t, events, 2)
	assert.Equal(t, "working", events[0].Content.Text())
	assert.Equal(t, core.TransitionWaitForUser, events[1].GetTransition())
}

func TestRunSync_SurfacesAgentError(t *testing.T) {
	stub := &stubAgent{name: "stub"}
	stub.runFn = func(rc *core.RunContext) error {
		if err := rc.EmitEvent(core.NewMessageEvent("stub", "partial progress")); err != nil {
			return err
		}
		return errors.New("backend unreachable")
	}

	loop := New(stub)

	_, events, err := loop.RunSync(context.Background(), "s1", core.NewUserText("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent execution failed")
	assert.Contains(t, err.Error(), "backend unreachable")

	// Events delivered before the failure are kept.
	require.Len(t, events, 1)
	assert.Equal(t, "partial progress", events[0].Content.Text())
}

func TestRunSync_ContextCancelled(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})

	// The gate keeps the run in flight past the cancellation so the drain
	// can only exit through the context branch.
	stub := &stubAgent{name: "stub"}
	stub.runFn = func(rc *core.RunContext) error {
		close(started)
		<-gate
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var runErr error
	loop := New(stub)

	go func() {
		defer close(done)
		_, _, runErr = loop.RunSync(ctx, "s1", core.NewUserText("hello"))
	}()

	<-started
	cancel()
	<-done
	close(gate)

	require.ErrorIs(t, runErr, context.Canceled)
}

func TestWithConfig_MapsLoopKnobs(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.MaxModelCalls = 3

	stub := &stubAgent{name: "stub"}
	loop := New(stub, WithConfig(cfg))

	_, _, err := loop.RunSync(context.Background(), "s1", core.NewUserText("hello"))
	require.NoError(t, err)

	rc := stub.runContext()
	require.NotNil(t, rc)
	assert.Equal(t, 3, rc.MaxModelCalls)
	assert.Equal(t, 3, rc.Limiter.Remaining())
}

func TestGetSession_AfterRun(t *testing.T) {
	stub := &stubAgent{name: "stub"}
	loop := New(stub)

	_, _, err := loop.RunSync(context.Background(), "s1", core.NewUserText("hello"))
	require.NoError(t, err)

	sess, err := loop.GetSession("s1")
	require.NoError(t, err)

	events := sess.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "user", events[0].Author)
	assert.Equal(t, "stub", events[1].Author)
}

func TestCancel_UnknownRun(t *testing.T) {
	loop := New(&stubAgent{name: "stub"})

	err := loop.Cancel("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestNewPlanner_MockProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Provider = "mock"
	cfg.Logging.Level = "error"

	loop, err := NewPlanner(cfg)
	require.NoError(t, err)

	_, events, err := loop.RunSync(context.Background(), "s1", core.NewUserText("hello planner"))
	require.NoError(t, err)
	require.NotEmpty(t, events)

	final := events[len(events)-1]
	assert.Equal(t, core.TransitionWaitForUser, final.GetTransition())
	assert.Contains(t, final.Content.Text(), "Mock response to:")

	sess, err := loop.GetSession("s1")
	require.NoError(t, err)

	count, ok := sess.GetState("react_cycle_count")
	require.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestNewPlanner_OptionOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Provider = "mock"
	cfg.Logging.Level = "error"
	cfg.Loop.MaxModelCalls = 4

	loop, err := NewPlanner(cfg, func(o *Options) {
		o.MaxModelCalls = 9
	})
	require.NoError(t, err)
	assert.Equal(t, 9, loop.opts.MaxModelCalls)
}

func TestNewPlanner_UnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Provider = "petrol"

	_, err := NewPlanner(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported model provider")
}

func TestNewPlanner_MetricsEnabledTwice(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Provider = "mock"
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = true

	// The shared collector registers against the default registry once, so
	// assembling two stacks must not panic on duplicate registration.
	_, err := NewPlanner(cfg)
	require.NoError(t, err)

	_, err = NewPlanner(cfg)
	require.NoError(t, err)
}
