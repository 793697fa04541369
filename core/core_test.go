package core

import (
	"context"
)

type testLogger struct{}

func (l testLogger) Debug(string, ...interface{}) {}
func (l testLogger) Info(string, ...interface{})  {}
func (l testLogger) Warn(string, ...interface{})  {}
func (l testLogger) Error(string, ...interface{}) {}

type mockSessionStore struct {
	sessions map[string]*Session
	applied  map[string]map[string]any
}

func (s *mockSessionStore) Create(id string) (*Session, error) {
	if s.sessions == nil {
		s.sessions = map[string]*Session{}
	}
	sess := NewSession(id)
	s.sessions[id] = sess
	return sess, nil
}

func (s *mockSessionStore) Get(id string) (*Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return s.Create(id)
}

func (s *mockSessionStore) AppendEvent(id string, ev Event) error {
	if sess, ok := s.sessions[id]; ok {
		sess.AddEvent(ev)
	}
	return nil
}

func (s *mockSessionStore) ApplyDelta(id string, delta map[string]any) error {
	if s.applied == nil {
		s.applied = map[string]map[string]any{}
	}
	cp := map[string]any{}
	for k, v := range delta {
		cp[k] = v
	}
	s.applied[id] = cp
	if sess, ok := s.sessions[id]; ok {
		sess.ApplyStateDelta(delta)
	}
	return nil
}

func newRunContextForTest() (*RunContext, chan Event) {
	emit := make(chan Event, 5)
	resume := make(chan struct{}, 5)
	store := &mockSessionStore{}
	sess, _ := store.Create("sess-x")
	rc := NewRunContext(
		context.Background(), "sess-x", "run-x",
		AgentInfo{Name: "Agent1", Type: "test"},
		Content{}, 0, emit, resume, sess, store, testLogger{},
	)
	return rc, emit
}
