package flow

import "fmt"

// PreparationError reports a failure while assembling the turn input from
// session state. A turn that fails preparation aborts before any state
// mutation and the turn counter does not advance.
type PreparationError struct {
	Err error
}

// Error implements the error interface.
func (e *PreparationError) Error() string {
	return fmt.Sprintf("turn preparation failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *PreparationError) Unwrap() error { return e.Err }

// DecisionBackendError reports a failed decision backend call. The turn
// degrades into a generic reply instead of aborting the loop.
type DecisionBackendError struct {
	// Streaming marks failures of the streaming call path, including the
	// follow-up call that renders tool results into the final reply.
	Streaming bool
	Err       error
}

// Error implements the error interface.
func (e *DecisionBackendError) Error() string {
	if e.Streaming {
		return fmt.Sprintf("streaming decision call failed: %v", e.Err)
	}
	return fmt.Sprintf("decision call failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecisionBackendError) Unwrap() error { return e.Err }
