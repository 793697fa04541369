package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/session"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// MaxConcurrentRuns caps how many runs may be in flight at once; Run
	// rejects new work while the cap is reached. Zero or negative lifts the
	// cap.
	MaxConcurrentRuns int
	// EventBufferSize sets channel buffering for events.
	EventBufferSize int
	// MaxModelCalls bounds the decision backend calls of a single run. Zero
	// lifts the bound.
	MaxModelCalls int
	// SessionStore persists session history and state.
	SessionStore core.SessionStore
	// Logger receives runner diagnostics.
	Logger logging.Logger
}

// Runner drives the turn loop around a single root agent: it records the
// user message, executes the agent in the background and forwards its events
// while applying their state deltas to the session. The transition label on
// the terminal event tells the caller how the turn ended. Public methods are
// safe for concurrent use.
type Runner struct {
	agent core.Agent

	maxConcurrentRuns int
	eventBufferSize   int
	maxModelCalls     int

	sessionStore core.SessionStore
	logger       logging.Logger

	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
}

// New constructs a Runner around the root agent with optional overrides.
func New(agent core.Agent, optFns ...func(o *Options)) *Runner {
	opts := Options{
		MaxConcurrentRuns: 10,
		EventBufferSize:   100,
		MaxModelCalls:     100,
		SessionStore:      session.NewInMemoryStore(),
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Runner{
		agent:             agent,
		maxConcurrentRuns: opts.MaxConcurrentRuns,
		eventBufferSize:   opts.EventBufferSize,
		maxModelCalls:     opts.MaxModelCalls,
		sessionStore:      opts.SessionStore,
		logger:            opts.Logger,
		activeRuns:        make(map[string]context.CancelFunc),
	}
}

// Run starts an asynchronous run feeding userContent to the agent.
//
// The user content is appended to the session before the agent sees it, so
// the run's initial session snapshot already contains the message. The
// returned events channel delivers the agent's events in order and closes
// when the run completes; the error channel carries at most one terminal
// error. Delta application happens before an event is delivered, so a
// consumer reading session state after observing an event always sees the
// state that event produced.
func (r *Runner) Run(
	ctx context.Context,
	sessionID string,
	userContent core.Content,
) (string, <-chan core.Event, <-chan error, error) {
	runID := core.NewID()

	ctx, cancel := context.WithCancel(ctx)
	if err := r.register(runID, cancel); err != nil {
		cancel()
		return "", nil, nil, err
	}

	release := func() {
		r.unregister(runID)
		cancel()
	}

	userEvent := core.NewUserContentEvent(runID, &userContent)
	if err := r.sessionStore.AppendEvent(sessionID, userEvent); err != nil {
		release()
		return "", nil, nil, fmt.Errorf("failed to append user event: %w", err)
	}

	sess, err := r.sessionStore.Get(sessionID)
	if err != nil {
		release()
		return "", nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	eventsCh := make(chan core.Event, r.eventBufferSize)
	errorsCh := make(chan error, 1)
	agentEmit := make(chan core.Event, r.eventBufferSize)
	resumeCh := make(chan struct{}, 1)
	agentErr := make(chan error, 1)

	agentInfo := core.AgentInfo{Name: r.agent.Name(), Type: agentType(r.agent)}

	runCtx := core.NewRunContext(
		ctx,
		sessionID,
		runID,
		agentInfo,
		userContent,
		r.maxModelCalls,
		agentEmit,
		resumeCh,
		sess,
		r.sessionStore,
		r.logger,
	)

	go func() {
		defer close(agentEmit)
		agentErr <- r.runAgent(runCtx)
	}()

	// Sole owner of the outbound channels. The agent goroutine parks its
	// result in agentErr (buffered), so exactly one goroutine sends on and
	// closes errorsCh.
	go func() {
		defer func() {
			r.unregister(runID)
			cancel()
			close(eventsCh)
			close(errorsCh)
		}()

		if err := r.processEvents(runCtx, sessionID, agentEmit, resumeCh, eventsCh); err != nil {
			cancel()
			<-agentErr
			errorsCh <- err
			return
		}

		if err := <-agentErr; err != nil && runCtx.Err() == nil {
			errorsCh <- fmt.Errorf("agent execution failed: %w", err)
		}
	}()

	return runID, eventsCh, errorsCh, nil
}

// Cancel requests cooperative termination of an in-flight run by ID.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	cancel, exists := r.activeRuns[runID]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("run %s not found", runID)
	}

	cancel()

	return nil
}

// GetSession returns the current session snapshot by ID.
func (r *Runner) GetSession(sessionID string) (*core.Session, error) {
	return r.sessionStore.Get(sessionID)
}

// register reserves a run slot, enforcing the concurrency cap atomically so
// racing Run calls cannot overshoot it.
func (r *Runner) register(runID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConcurrentRuns > 0 && len(r.activeRuns) >= r.maxConcurrentRuns {
		return fmt.Errorf("concurrent run limit reached (%d)", r.maxConcurrentRuns)
	}
	r.activeRuns[runID] = cancel

	return nil
}

func (r *Runner) unregister(runID string) {
	r.mu.Lock()
	delete(r.activeRuns, runID)
	r.mu.Unlock()
}

func (r *Runner) runAgent(runCtx *core.RunContext) error {
	if err := r.agent.Start(runCtx); err != nil {
		return err
	}

	defer func() {
		if err := r.agent.Stop(runCtx); err != nil {
			r.logger.Warn("runner.agent.stop_failed", "agent", r.agent.Name(), "error", err.Error())
		}
	}()

	return r.agent.Run(runCtx)
}

// processEvents runs the per-event pipeline: apply the state delta to the
// session, append non-partial events to history, deliver to the caller, and
// signal resumption. The resume signal after each non-partial event is what
// unblocks agents that wait between handing over a tool result and
// continuing the turn. A store failure terminates the run with the returned
// error.
func (r *Runner) processEvents(
	runCtx *core.RunContext,
	sessionID string,
	agentEmit <-chan core.Event,
	resumeCh chan<- struct{},
	eventsCh chan<- core.Event,
) error {
	for {
		select {
		case <-runCtx.Done():
			return nil
		case ev, ok := <-agentEmit:
			if !ok {
				return nil
			}

			if len(ev.Actions.StateDelta) > 0 {
				if err := r.sessionStore.ApplyDelta(sessionID, ev.Actions.StateDelta); err != nil {
					return fmt.Errorf("failed to apply state delta: %w", err)
				}
			}

			if !ev.IsPartial() {
				if err := r.sessionStore.AppendEvent(sessionID, ev); err != nil {
					return fmt.Errorf("failed to append event to session: %w", err)
				}
			}

			select {
			case <-runCtx.Done():
				return nil
			case eventsCh <- ev:
				r.logger.Debug("runner.event.delivered",
					"event_id", ev.ID,
					"session_id", sessionID,
					"partial", ev.IsPartial(),
				)
			}

			if t := ev.GetTransition(); t != "" {
				r.logger.Debug("runner.turn.transition", "transition", t, "session_id", sessionID)
			}

			if !ev.IsPartial() {
				select {
				case <-runCtx.Done():
					return nil
				case resumeCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// agentType reads the optional type hint agents may expose.
func agentType(a core.Agent) string {
	if t, ok := a.(interface{ Type() string }); ok {
		return t.Type()
	}

	return "unknown"
}
