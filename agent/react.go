package agent

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/flow"
	"github.com/hupe1980/agentloop/metrics"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

// ReactAgentOptions configures a ReactAgent instance.
//
// Use functional options with NewReactAgent to override defaults.
type ReactAgentOptions struct {
	// Description overrides the generated agent description.
	Description string

	// Instruction supplies the system prompt, statically or through a
	// dynamic provider resolved once per turn against the refreshed
	// session. The zero value keeps the flow's built-in prompt.
	Instruction Instruction

	// EnableStreaming forwards partial reply events while the backend
	// streams.
	EnableStreaming bool

	// ToolTimeout bounds the wall-clock time of a single tool call.
	ToolTimeout time.Duration

	// MaxParallelTools bounds how many tool calls of one decision run at
	// once.
	MaxParallelTools int

	// HistoryWindow bounds the trailing dialogue messages the backend sees
	// each turn. Zero keeps the default of six.
	HistoryWindow int

	// Metrics receives turn, decision and tool observations.
	Metrics *metrics.Metrics
}

// ReactAgent is a conversational controller built on the reason-act loop.
//
// Each Run executes exactly one turn: the decision backend chooses between a
// direct reply and tool calls, requested tools run through the registry, and
// successful results fold back into session state. The loop across turns
// lives in the runner; the agent's job is wiring the flow to the invocation
// context and forwarding its events.
//
// The flow instance is created once per agent so decision and tool
// statistics accumulate across the turns of a session.
type ReactAgent struct {
	BaseAgent
	backend  model.Model
	registry *tool.Registry
	flow     *flow.ReactFlow
}

// NewReactAgent creates a reason-act agent over the given decision backend
// and tool registry. A nil registry is replaced with an empty one so tools
// can be registered later.
func NewReactAgent(name string, backend model.Model, registry *tool.Registry, optFns ...func(o *ReactAgentOptions)) *ReactAgent {
	opts := ReactAgentOptions{
		ToolTimeout: 15 * time.Second,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if registry == nil {
		registry, _ = tool.NewRegistry()
	}

	flowOpts := []flow.Option{
		flow.WithMetrics(opts.Metrics),
		flow.WithStreamingEnabled(opts.EnableStreaming),
	}
	if opts.ToolTimeout > 0 {
		flowOpts = append(flowOpts, flow.WithToolTimeout(opts.ToolTimeout))
	}
	if opts.MaxParallelTools > 0 {
		flowOpts = append(flowOpts, flow.WithMaxParallelTools(opts.MaxParallelTools))
	}
	if opts.HistoryWindow > 0 {
		flowOpts = append(flowOpts, flow.WithHistoryWindow(opts.HistoryWindow))
	}
	if !opts.Instruction.IsZero() {
		flowOpts = append(flowOpts, flow.WithInstructionResolver(opts.Instruction.Resolve))
	}

	a := &ReactAgent{
		BaseAgent: NewBaseAgent(name),
		backend:   backend,
		registry:  registry,
		flow:      flow.NewReactFlow(backend, registry, flowOpts...),
	}
	if opts.Description != "" {
		a.SetDescription(opts.Description)
	}

	return a
}

// Type categorizes the agent for run contexts and events.
func (a *ReactAgent) Type() string { return "react" }

// RegisterTool adds a tool to the agent's callable surface.
//
// Registered tools become available for the decision backend to call on the
// next turn. Registration fails for nil tools, unnamed tools and duplicate
// names.
func (a *ReactAgent) RegisterTool(t tool.Tool) error {
	return a.registry.Register(t)
}

// RegisterTools adds multiple tools, stopping at the first failure.
func (a *ReactAgent) RegisterTools(tools ...tool.Tool) error {
	for _, t := range tools {
		if err := a.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// HasTool checks if a tool is registered with the agent.
func (a *ReactAgent) HasTool(name string) bool {
	_, exists := a.registry.Get(name)
	return exists
}

// ListTools returns the names of all registered tools in sorted order.
func (a *ReactAgent) ListTools() []string { return a.registry.Names() }

// Registry exposes the agent's tool registry.
func (a *ReactAgent) Registry() *tool.Registry { return a.registry }

// Flow exposes the underlying control loop, mainly for tests and advanced
// embedding.
func (a *ReactAgent) Flow() *flow.ReactFlow { return a.flow }

// Stats returns the controller's rolling decision statistics.
func (a *ReactAgent) Stats() flow.PerformanceStats { return a.flow.Stats() }

// ExecutorStats returns the tool executor's rolling statistics.
func (a *ReactAgent) ExecutorStats() flow.ExecutionStats { return a.flow.ExecutorStats() }

// ResetStats clears the rolling statistics.
func (a *ReactAgent) ResetStats() { a.flow.ResetStats() }

// Run implements core.Agent by executing one control-loop turn and streaming
// the flow's events to the invocation's emit channel.
//
// Partial and function-response events pass through untouched; the terminal
// transition event is emitted through the run context so the turn's staged
// state delta travels with it. By the time the flow hands over a transition
// event it stages no further state, which is what makes that merge safe.
func (a *ReactAgent) Run(runCtx *core.RunContext) error {
	runCtx.LogDebug(
		"agent.run.start",
		"agent", a.Name(),
		"run", runCtx.RunID,
	)

	events, err := a.flow.Execute(runCtx)
	if err != nil {
		runCtx.LogError(
			"agent.flow.execute.error",
			"agent", a.Name(),
			"error", err.Error(),
		)

		return fmt.Errorf("flow execution failed: %w", err)
	}

	for ev := range events {
		if transition := ev.GetTransition(); transition != "" {
			if err := runCtx.EmitEvent(ev); err != nil {
				return err
			}

			runCtx.LogDebug(
				"agent.event.terminal",
				"agent", a.Name(),
				"event_id", ev.ID,
				"transition", transition,
			)

			continue
		}

		select {
		case runCtx.Emit <- ev:
			runCtx.LogDebug(
				"agent.event.forward",
				"agent", a.Name(),
				"event_id", ev.ID,
				"partial", ev.IsPartial(),
				"fn_responses", len(ev.GetFunctionResponses()),
			)
		case <-runCtx.Done():
			runCtx.LogWarn("agent.run.context_done", "agent", a.Name(), "error", runCtx.Err())

			return runCtx.Err()
		}
	}

	runCtx.LogDebug("agent.run.complete", "agent", a.Name(), "run", runCtx.RunID)

	return nil
}
