// Package runner executes agent runs against a session.
//
// A Runner owns one root agent. Each Run records the incoming user content
// as a session event, executes the agent in the background and streams its
// events to the caller while applying their state deltas to the session
// store. The terminal event of a turn carries the transition label the
// caller routes on (wait_for_user, error, research_complete).
//
// # Responsibilities (abridged)
//   - Run lifecycle: identifier assignment, concurrency capping, cancellation
//   - Event processing: state delta application before delivery, history
//     persistence for non-partial events
//   - Resume signaling: pacing agents that hand over events one at a time
//
// See runner.go for the operational details and ordering guarantees.
package runner
