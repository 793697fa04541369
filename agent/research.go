package agent

import (
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/research"
)

// defaultFocusAreas scope research batches when the caller supplies none.
var defaultFocusAreas = []string{"technology selection", "architecture patterns", "best practices"}

// ResearchAgentOptions configure a research agent.
type ResearchAgentOptions struct {
	// Description overrides the generated agent description.
	Description string

	// FocusAreas scope every batch the agent runs. Empty falls back to the
	// standard research angles.
	FocusAreas []string
}

// ResearchAgent drives the batch executor as a standalone runnable agent:
// each invocation turns the user message into one research batch, fans it
// out and terminates on the "research_complete" transition with the
// findings staged in the session state.
//
// The user message carries the keywords, one per comma-, semicolon- or
// newline-separated segment; the whole message doubles as the batch's
// project context.
type ResearchAgent struct {
	BaseAgent
	executor   *research.BatchExecutor
	focusAreas []string
}

// NewResearchAgent creates a research agent over the given batch executor.
func NewResearchAgent(name string, executor *research.BatchExecutor, optFns ...func(o *ResearchAgentOptions)) *ResearchAgent {
	var opts ResearchAgentOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.FocusAreas) == 0 {
		opts.FocusAreas = append([]string(nil), defaultFocusAreas...)
	}

	a := &ResearchAgent{
		BaseAgent:  NewBaseAgent(name),
		executor:   executor,
		focusAreas: opts.FocusAreas,
	}

	a.SetDescription("Research agent fanning keyword batches out through the batch executor")
	if opts.Description != "" {
		a.SetDescription(opts.Description)
	}

	return a
}

// Type categorizes the agent for run contexts and events.
func (a *ResearchAgent) Type() string { return "research" }

// FocusAreas returns the research angles applied to every batch.
func (a *ResearchAgent) FocusAreas() []string {
	return append([]string(nil), a.focusAreas...)
}

// Run implements core.Agent by executing one research batch per invocation.
//
// A batch the executor rejects terminates the turn on the "error"
// transition with research_error staged in the delta. Per-keyword failures
// do not: the batch completes and reports them through the findings.
func (a *ResearchAgent) Run(runCtx *core.RunContext) error {
	message := runCtx.UserContent.Text()
	batch := research.Batch{
		Keywords:       splitKeywords(message),
		FocusAreas:     a.focusAreas,
		ProjectContext: strings.TrimSpace(message),
	}

	runCtx.LogDebug("agent.research.batch", "agent", a.Name(), "keywords", batch.Keywords)

	findings, err := a.executor.Run(runCtx.Context, batch, runCtx)
	if err != nil {
		return runCtx.EmitEvent(core.NewErrorEvent(
			runCtx.RunID, a.Name(), "research_batch_error", err.Error(),
		))
	}

	return runCtx.EmitEvent(core.NewTurnCompleteEvent(
		runCtx.RunID, a.Name(), findings.Summary, core.TransitionResearchComplete,
	))
}

// splitKeywords turns a free-text message into batch keywords, one per
// comma-, semicolon- or newline-separated segment.
func splitKeywords(text string) []string {
	segments := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})

	keywords := make([]string, 0, len(segments))
	for _, segment := range segments {
		if keyword := strings.TrimSpace(segment); keyword != "" {
			keywords = append(keywords, keyword)
		}
	}
	return keywords
}
