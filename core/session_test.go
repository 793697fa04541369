package core

import "testing"

func TestSession_ApplyStateDeltaAndClone(t *testing.T) {
	s := NewSession("s1")

	delta := map[string]any{"a": 1, "b": "x"}

	s.ApplyStateDelta(delta)
	if v, ok := s.GetState("a"); !ok || v.(int) != 1 {
		t.Fatalf("State not applied: %+v", s.State)
	}

	clone := s.Clone()
	if clone == s {
		t.Error("Clone should be a different pointer")
	}

	clone.SetState("c", 2)
	if _, exists := s.GetState("c"); exists {
		t.Error("Original should not have clone's new key")
	}
}

func TestSession_SnapshotStateIsDefensive(t *testing.T) {
	s := NewSession("s1")
	s.SetState("a", 1)

	snap := s.SnapshotState()
	snap["b"] = 2

	if _, exists := s.GetState("b"); exists {
		t.Error("Snapshot mutation should not leak into session state")
	}
	if v, ok := snap["a"]; !ok || v.(int) != 1 {
		t.Errorf("Snapshot missing existing key: %+v", snap)
	}
}

func TestSession_AddEventAndHistory(t *testing.T) {
	userEv := NewUserMessageEvent("inv-123", "hi")
	assistantEv := NewMessageEvent("assistant", "hello")
	assistantEv.Author = "assistant"
	s := NewSession("s2")
	s.AddEvent(assistantEv)
	s.AddEvent(userEv)
	all := s.GetEvents()
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	orig := all[0].Author
	all[0].Author = "changed"
	if s.GetEvents()[0].Author != orig {
		t.Error("events slice should be copied on read")
	}
	history := s.GetConversationHistory()
	foundUser := false
	for _, hev := range history {
		if hev.Content != nil && hev.Content.Role == "user" {
			foundUser = true
		}
	}
	if !foundUser {
		t.Error("expected user event in history")
	}
}

func TestSession_HistoryExcludesPartials(t *testing.T) {
	s := NewSession("s3")
	partial := true
	ev := NewMessageEvent("assistant", "chunk")
	ev.Partial = &partial
	s.AddEvent(ev)
	s.AddEvent(NewMessageEvent("assistant", "full"))

	history := s.GetConversationHistory()
	if len(history) != 1 {
		t.Fatalf("expected 1 event, got %d", len(history))
	}
	if history[0].Content.Text() != "full" {
		t.Errorf("unexpected event in history: %+v", history[0])
	}
}
