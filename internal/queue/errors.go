package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAllocationFailed  = errors.New("allocation failed")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrQueueEmpty is the call-next outcome when nothing is waiting.
	ErrQueueEmpty = fmt.Errorf("%w: no waiting ticket", ErrNotFound)
	// ErrNotWaiting is returned by position queries once a ticket has left the waiting state.
	ErrNotWaiting = errors.New("ticket is not waiting")
)

const ReasonCounterBusy = "counter_busy"

// TransitionError reports an action the ticket's current status does not permit.
type TransitionError struct {
	Action   string
	TicketID string
	Status   string
	Reason   string
	Err      error
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s rejected: %s", e.Action, e.Reason)
	}
	if e.TicketID == "" {
		return fmt.Sprintf("%s not allowed from %s", e.Action, e.Status)
	}
	return fmt.Sprintf("%s not allowed for ticket %s in status %s", e.Action, e.TicketID, e.Status)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
