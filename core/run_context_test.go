package core

import "testing"

func TestRunContext_EmitEventMergesStateDelta(t *testing.T) {
	rc, emitCh := newRunContextForTest()
	rc.SetState("foo", "bar")
	ev := NewEvent(rc.RunID, "agent1")
	if err := rc.EmitEvent(ev); err != nil {
		t.Fatalf("EmitEvent error: %v", err)
	}
	received := <-emitCh
	if received.Actions.StateDelta["foo"].(string) != "bar" {
		t.Fatalf("State delta missing: %+v", received.Actions)
	}
	if len(rc.StateDelta) != 0 {
		t.Fatal("StateDelta should clear after emit")
	}
}

func TestRunContext_CommitStateDelta(t *testing.T) {
	rc, _ := newRunContextForTest()
	store := rc.SessionStore.(*mockSessionStore)
	rc.SetState("k1", 123)
	if err := rc.CommitStateDelta(); err != nil {
		t.Fatalf("CommitStateDelta error: %v", err)
	}
	if store.applied == nil || store.applied[rc.SessionID]["k1"].(int) != 123 {
		t.Fatalf("State delta not applied: %+v", store.applied)
	}
	if len(rc.StateDelta) != 0 {
		t.Error("StateDelta should be cleared after commit")
	}
}

func TestRunContext_CloneIsolation(t *testing.T) {
	rc, _ := newRunContextForTest()
	rc.SetState("a", 1)
	clone := rc.Clone()
	if clone.Session != rc.Session {
		t.Error("Session pointer should be shared")
	}
	clone.SetState("b", 2)
	if _, exists := rc.StateDelta["b"]; exists {
		t.Error("Original should not have clone's new state")
	}
	if v, _ := clone.GetState("a"); v.(int) != 1 {
		t.Error("Clone missing original state")
	}
}

func TestRunContext_StateSnapshotMergesDelta(t *testing.T) {
	rc, _ := newRunContextForTest()
	rc.Session.SetState("persisted", "old")
	rc.Session.SetState("both", "session")
	rc.SetState("both", "delta")
	rc.SetState("staged", true)

	snap := rc.StateSnapshot()
	if snap["persisted"] != "old" {
		t.Errorf("persisted value missing: %+v", snap)
	}
	if snap["both"] != "delta" {
		t.Errorf("delta should shadow session value: %+v", snap)
	}
	if snap["staged"] != true {
		t.Errorf("staged value missing: %+v", snap)
	}

	snap["persisted"] = "mutated"
	if v, _ := rc.GetState("persisted"); v != "old" {
		t.Error("snapshot mutation leaked into state")
	}
}

func TestRunContext_GetStatePrefersDelta(t *testing.T) {
	rc, _ := newRunContextForTest()
	rc.Session.SetState("k", "session")
	rc.SetState("k", "delta")
	if v, ok := rc.GetState("k"); !ok || v != "delta" {
		t.Errorf("expected staged value, got %v", v)
	}
}

func TestRunContext_WaitForResume(t *testing.T) {
	rc, _ := newRunContextForTest()
	resume := make(chan struct{}, 1)
	rc.Resume = resume
	resume <- struct{}{}
	if err := rc.WaitForResume(); err != nil {
		t.Fatalf("WaitForResume error: %v", err)
	}
}
