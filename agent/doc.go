// Package agent contains the agent implementations that drive AgentLoop
// sessions. The central type is ReactAgent: a conversational controller that
// wraps the flow package's reason-act loop behind the core.Agent interface so
// the runner can drive it turn by turn.
//
// Responsibilities are deliberately split:
//
//  1. BaseAgent carries identity and lifecycle (Start/Stop guarding).
//  2. Instruction resolves the system prompt, statically or through a
//     dynamic Provider evaluated once per turn.
//  3. The flow package owns deciding, tool execution and state folding;
//     the agent forwards the flow's events to the invocation context.
//
// ResearchAgent is the second runnable: it adapts the research batch
// executor to the same contract, terminating each invocation on the
// "research_complete" transition instead of "wait_for_user".
//
// The package intentionally keeps persistence, model specifics and the tool
// registry in their respective packages to avoid cyclic deps.
package agent
