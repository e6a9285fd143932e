package transition

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInput is wrapped by every validation failure of caller input.
var ErrInvalidInput = errors.New("invalid input")

// IllegalTransitionError is returned when from -> to is not an edge of the
// graph, including when the state moved under a concurrent caller.
type IllegalTransitionError struct {
	Kind Kind
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition from %q to %q", e.Kind, e.From, e.To)
}

// MissingCauseError is returned when a sample is discarded without a cause.
type MissingCauseError struct {
	From State
}

func (e *MissingCauseError) Error() string {
	return fmt.Sprintf("discarding a sample in state %q requires a cause", e.From)
}

// WindowViolationError is returned when an appointment falls outside a
// monitoring plan's window.
type WindowViolationError struct {
	AppointmentDate time.Time
	MinDate         time.Time
	MaxDate         time.Time
}

func (e *WindowViolationError) Error() string {
	return fmt.Sprintf("appointment date %s is outside the plan window [%s, %s]",
		e.AppointmentDate.Format(time.DateOnly), e.MinDate.Format(time.DateOnly), e.MaxDate.Format(time.DateOnly))
}
