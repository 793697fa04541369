package session

import (
	"testing"

	"github.com/hupe1980/agentloop/core"
)

// Interface compliance (compile-time assertion)
var _ core.SessionStore = (*InMemoryStore)(nil)

func TestInMemoryStore_LazyCreateAndCloneIsolation(t *testing.T) {
	store := NewInMemoryStore()

	sess, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if sess.ID != "s1" {
		t.Fatalf("unexpected session id: %s", sess.ID)
	}

	// Mutating the returned clone must not affect the stored session.
	sess.SetState("k", "local")
	again, _ := store.Get("s1")
	if _, ok := again.GetState("k"); ok {
		t.Error("clone mutation leaked into store")
	}
}

func TestInMemoryStore_AppendEventAndApplyDelta(t *testing.T) {
	store := NewInMemoryStore()

	if err := store.AppendEvent("s2", core.NewUserMessageEvent("inv-1", "hello")); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}
	if err := store.ApplyDelta("s2", map[string]any{"stage": "initialization"}); err != nil {
		t.Fatalf("ApplyDelta error: %v", err)
	}

	sess, _ := store.Get("s2")
	if len(sess.GetEvents()) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sess.GetEvents()))
	}
	if v, ok := sess.GetState("stage"); !ok || v != "initialization" {
		t.Errorf("delta not applied: %v", v)
	}
}
