package core

// Agent defines the core interface that all agents in AgentLoop must implement.
//
// Agents are the primary processing units of the framework. They receive
// input through a RunContext, process it, and emit events to communicate
// results and state changes back to the Runner.
//
// Implementations must:
//   - Respect context cancellation for graceful shutdown
//   - Emit events through the provided RunContext
//   - Handle the resume mechanism properly when pausing between turns
//   - Manage their lifecycle through Start/Stop methods
type Agent interface {
	Name() string
	Description() string
	Start(runCtx *RunContext) error
	Stop(runCtx *RunContext) error
	Run(runCtx *RunContext) error
}

// AgentInfo carries identifying details about an agent used in contexts & events.
// Name is the external identifier; Type categorizes implementation (e.g. "react", "research").
type AgentInfo struct{ Name, Type string }
