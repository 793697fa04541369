// Package core provides the foundational domain types, interfaces and execution
// contexts used by AgentLoop. It defines the core abstractions for:
//
//   - Agents (the controller units driven by the runner)
//   - Sessions (stateful conversational containers with event history)
//   - Events (immutable communication + state-delta records)
//   - RunContext / ToolContext (scoped execution & tool sandboxing)
//   - The pluggable session store interface
//
// The package intentionally keeps implementation concerns (persistence, turn
// orchestration, concrete agents) out of scope, exposing small interfaces to
// enable custom backends and extensions.
package core
