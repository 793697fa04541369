package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/research"
)

type stubPipeline struct{}

func (stubPipeline) Run(_ context.Context, task research.Task) (map[string]any, error) {
	return map[string]any{"keyword": task.Keyword, "analysis": "ok"}, nil
}

func newStubExecutor() *research.BatchExecutor {
	return research.NewBatchExecutor(func() research.Pipeline { return stubPipeline{} })
}

func TestNewResearchAgent_Defaults(t *testing.T) {
	a := NewResearchAgent("scout", newStubExecutor())

	assert.Equal(t, "scout", a.Name())
	assert.Equal(t, "research", a.Type())
	assert.Equal(t, defaultFocusAreas, a.FocusAreas())
}

func TestNewResearchAgent_Options(t *testing.T) {
	a := NewResearchAgent("scout", newStubExecutor(), func(o *ResearchAgentOptions) {
		o.Description = "digs into infrastructure topics"
		o.FocusAreas = []string{"storage engines"}
	})

	assert.Equal(t, "digs into infrastructure topics", a.Description())
	assert.Equal(t, []string{"storage engines"}, a.FocusAreas())
}

func TestResearchAgent_RunCompletesBatch(t *testing.T) {
	a := NewResearchAgent("scout", newStubExecutor())

	rc, emit := newRunContext("vector stores, embedding models", nil)
	events := runAndCollect(t, a, rc, emit, nil)

	require.Len(t, events, 1)
	final := events[0]
	assert.Equal(t, core.TransitionResearchComplete, final.GetTransition())
	assert.True(t, final.IsTurnComplete())
	require.NotNil(t, final.Content)
	assert.Contains(t, final.Content.Text(), "Researched 2 keywords")

	raw, ok := final.Actions.StateDelta[research.StateKeyFindings]
	require.True(t, ok)
	findings, ok := raw.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, findings["total_keywords"])
	assert.Equal(t, 2, findings["successful_keywords"])
	assert.Equal(t, []string{"vector stores", "embedding models"}, findings["research_keywords"])
}

func TestResearchAgent_RunRejectsEmptyMessage(t *testing.T) {
	a := NewResearchAgent("scout", newStubExecutor())

	rc, emit := newRunContext("", nil)
	events := runAndCollect(t, a, rc, emit, nil)

	require.Len(t, events, 1)
	final := events[0]
	assert.Equal(t, core.TransitionError, final.GetTransition())
	require.NotNil(t, final.ErrorCode)
	assert.Equal(t, "research_batch_error", *final.ErrorCode)

	msg, ok := final.Actions.StateDelta[research.StateKeyError]
	require.True(t, ok)
	assert.Contains(t, msg, "keywords")
}

func TestSplitKeywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"commas", "alpha, beta, gamma", []string{"alpha", "beta", "gamma"}},
		{"mixed separators", "alpha; beta\ngamma", []string{"alpha", "beta", "gamma"}},
		{"blank segments dropped", "alpha,, ,beta", []string{"alpha", "beta"}},
		{"empty", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitKeywords(tt.text)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
