package core

// Transition labels attached to terminal events. The runner routes on these
// after applying the event's state delta.
const (
	// TransitionWaitForUser signals a completed turn; the loop pauses until
	// the next user message arrives.
	TransitionWaitForUser = "wait_for_user"

	// TransitionError signals an unrecoverable turn failure. Details are
	// carried in the event's ErrorCode/ErrorMessage and in session state.
	TransitionError = "error"

	// TransitionResearchComplete signals that a research batch finished and
	// its findings were recorded in session state.
	TransitionResearchComplete = "research_complete"
)
