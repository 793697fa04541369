// Package agentloop provides a high-level façade over the reason-act control
// loop and its runner. Most applications interact with this package by:
//  1. Creating an AgentLoop via New() around their own root agent, or via
//     NewPlanner() to assemble the built-in planning stack from configuration
//  2. Starting runs asynchronously (Run) or synchronously (RunSync)
//  3. Consuming events until the terminal transition arrives
//
// The façade delegates execution to runner.Runner while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a configured backend and a
// structured logger.
package agentloop

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentloop/agent"
	"github.com/hupe1980/agentloop/config"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/metrics"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/anthropic"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/hupe1980/agentloop/planner"
	"github.com/hupe1980/agentloop/research"
	"github.com/hupe1980/agentloop/runner"
	"github.com/hupe1980/agentloop/session"
	"github.com/hupe1980/agentloop/tool"
)

// Options configures the AgentLoop instance.
type Options struct {
	// MaxConcurrentRuns limits the number of runs that can execute
	// simultaneously. This prevents resource exhaustion and provides
	// backpressure. Zero or negative lifts the cap (not recommended).
	MaxConcurrentRuns int

	// EventBufferSize sets the channel buffer size for event delivery.
	// Larger buffers reduce blocking but increase memory usage.
	EventBufferSize int

	// MaxModelCalls bounds the backend calls a single run may spend.
	// Zero lifts the bound.
	MaxModelCalls int

	// SessionStore persists sessions (defaults to in-memory if not provided).
	SessionStore core.SessionStore

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// WithConfig maps the loop section of a loaded configuration onto the façade
// options. Model, research and metrics configuration is consumed by
// NewPlanner, which constructs those components.
func WithConfig(cfg *config.Config) func(o *Options) {
	return func(o *Options) {
		o.MaxModelCalls = cfg.Loop.MaxModelCalls
	}
}

// AgentLoop is the high-level façade aggregating a root agent and its runner.
type AgentLoop struct {
	opts   Options
	runner *runner.Runner
}

// New creates a new AgentLoop around the given root agent with optional
// overrides. Any unset service is initialized with an in-memory
// implementation.
func New(a core.Agent, optFns ...func(o *Options)) *AgentLoop {
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

	r := runner.New(a, func(o *runner.Options) {
		o.MaxConcurrentRuns = opts.MaxConcurrentRuns
		o.EventBufferSize = opts.EventBufferSize
		o.MaxModelCalls = opts.MaxModelCalls
		o.SessionStore = opts.SessionStore
		o.Logger = opts.Logger
	})

	return &AgentLoop{opts: opts, runner: r}
}

// NewPlanner assembles the complete planning stack from configuration: the
// decision backend selected by provider, the research batch executor, the
// planning tool catalog and a react agent driven through a runner. A nil cfg
// uses the defaults. Option functions run after the configuration mapping and
// may override it.
func NewPlanner(cfg *config.Config, optFns ...func(o *Options)) (*AgentLoop, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger, err := logging.NewZapLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	backend, err := newBackend(cfg.Model)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Metrics
	if cfg.Metrics.Enabled {
		collector = metrics.Default()
	}

	executor := research.NewBatchExecutor(
		research.NewKeywordPipelineFactory(research.NewStaticSearchProvider(), backend, logger),
		research.WithMaxConcurrent(cfg.Research.MaxConcurrent),
		research.WithKeywordTimeout(cfg.Research.KeywordTimeout),
		research.WithLogger(logger),
		research.WithMetrics(collector),
	)

	registry, err := tool.NewRegistry(planner.Catalog(backend, executor)...)
	if err != nil {
		return nil, fmt.Errorf("failed to build tool catalog: %w", err)
	}

	plannerAgent := agent.NewReactAgent("planner", backend, registry, func(o *agent.ReactAgentOptions) {
		o.ToolTimeout = cfg.Loop.ToolTimeout
		o.MaxParallelTools = cfg.Loop.MaxParallelTools
		o.HistoryWindow = cfg.Loop.HistoryWindow
		o.Metrics = collector
	})

	baseFns := []func(o *Options){func(o *Options) {
		o.MaxModelCalls = cfg.Loop.MaxModelCalls
		o.Logger = logger
	}}

	return New(plannerAgent, append(baseFns, optFns...)...), nil
}

// newBackend selects the decision backend by provider name.
func newBackend(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.Model = cfg.Name
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = int64(cfg.MaxTokens)
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropicsdk.Model(cfg.Name)
			o.Temperature = cfg.Temperature
			o.MaxTokens = int64(cfg.MaxTokens)
		}), nil
	case "mock":
		return model.NewMockModel(cfg.Name, "mock"), nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %q", cfg.Provider)
	}
}

// Run starts an asynchronous run of the root agent, returning the run ID and
// event & error channels.
func (l *AgentLoop) Run(
	ctx context.Context,
	sessionID string,
	userContent core.Content,
) (string, <-chan core.Event, <-chan error, error) {
	return l.runner.Run(ctx, sessionID, userContent)
}

// RunSync is a synchronous helper that drains the async channels, accumulates
// events and returns the runID.
func (l *AgentLoop) RunSync(
	ctx context.Context,
	sessionID string,
	userContent core.Content,
) (string, []core.Event, error) {
	runID, eventsCh, errorsCh, err := l.runner.Run(ctx, sessionID, userContent)
	if err != nil {
		return "", nil, err
	}

	// Collect all events until completion
	var events []core.Event
	for {
		select {
		case <-ctx.Done():
			// Context cancelled - return events collected so far
			return runID, events, ctx.Err()

		case event, ok := <-eventsCh:
			if !ok {
				// Events channel closed - check for terminal error
				select {
				case err := <-errorsCh:
					return runID, events, err
				default:
					return runID, events, nil // Successful completion
				}
			}
			// Collect event
			events = append(events, event)

		case err := <-errorsCh:
			// Terminal error occurred
			if err != nil {
				return runID, events, err
			}
		}
	}
}

// Cancel requests cooperative termination of an in-flight run.
func (l *AgentLoop) Cancel(runID string) error {
	return l.runner.Cancel(runID)
}

// GetSession returns the current session snapshot from the underlying store.
func (l *AgentLoop) GetSession(sessionID string) (*core.Session, error) {
	return l.runner.GetSession(sessionID)
}
