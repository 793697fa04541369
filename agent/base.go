package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// BaseAgent bundles the shared lifecycle and identity plumbing of concrete
// agents. Embed it and supply a Run method to satisfy core.Agent. All
// exported methods are goroutine-safe unless otherwise documented.
type BaseAgent struct {
	name        string     // Human-readable name
	description string     // Detailed description of agent's purpose
	mu          sync.Mutex // Protects concurrent access to agent state
	running     bool       // Tracks whether a run is currently active
}

// NewBaseAgent constructs a BaseAgent with a generated description
// (customizable via SetDescription).
func NewBaseAgent(name string) BaseAgent {
	return BaseAgent{
		name:        name,
		description: fmt.Sprintf("Agent %s", name),
	}
}

// Name returns the human-readable name for this agent.
func (b *BaseAgent) Name() string { return b.name }

// Description returns a detailed description of this agent's purpose.
func (b *BaseAgent) Description() string { return b.description }

// SetDescription updates the agent's description.
func (b *BaseAgent) SetDescription(desc string) { b.description = desc }

// Start transitions the agent to running state. Only one run may be active
// at a time; starting an agent that is already running returns an error.
// Cancellation is owned by the caller through the run context, not by the
// lifecycle.
func (b *BaseAgent) Start(_ *core.RunContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("agent is already running")
	}
	b.running = true

	return nil
}

// Stop marks the agent as not running. It returns an error if the agent was
// not running.
func (b *BaseAgent) Stop(_ *core.RunContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return errors.New("agent is not running")
	}
	b.running = false

	return nil
}

// IsRunning reports whether a run is currently active.
func (b *BaseAgent) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
