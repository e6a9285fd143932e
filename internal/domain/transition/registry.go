// Package transition holds the fixed state graphs of the clinical workflow
// engine and the guard predicates evaluated before a state change commits.
// It is pure: no I/O, no clock, no shared mutable state.
package transition

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an entity whose lifecycle is governed by a graph.
type Kind string

const (
	KindSample         Kind = "sample"
	KindMonitoringPlan Kind = "monitoring_plan"
)

// State is a node in one of the graphs. Values are the strings persisted in
// the database.
type State string

// Sample (oocyte / embryo) states.
const (
	VeryImmature State = "very_immature"
	Immature     State = "immature"
	Mature       State = "mature"
	Cultivated   State = "cultivated"
	Used         State = "used"
	Discarded    State = "discarded"
)

// Monitoring plan states.
const (
	Planned   State = "PLANNED"
	Reserved  State = "RESERVED"
	Completed State = "COMPLETED"
	Cancelled State = "CANCELLED"
)

// GraphVersion is bumped whenever a state or edge is added to the table
// below.
const GraphVersion = 1

type graph struct {
	states  []State
	initial []State
	edges   map[State][]State
}

var graphs = map[Kind]graph{
	KindSample: {
		states:  []State{VeryImmature, Immature, Mature, Cultivated, Used, Discarded},
		initial: []State{VeryImmature, Immature, Mature},
		edges: map[State][]State{
			VeryImmature: {Immature, Discarded},
			Immature:     {Mature, Discarded},
			Mature:       {Cultivated, Discarded},
			Cultivated:   {Used, Discarded},
		},
	},
	KindMonitoringPlan: {
		states:  []State{Planned, Reserved, Completed, Cancelled},
		initial: []State{Planned},
		edges: map[State][]State{
			Planned:  {Reserved, Cancelled},
			Reserved: {Completed, Cancelled},
		},
	},
}

// Kinds returns every registered entity kind.
func Kinds() []Kind {
	return []Kind{KindSample, KindMonitoringPlan}
}

// States returns all states of kind in lifecycle order.
func States(kind Kind) []State {
	return append([]State(nil), graphs[kind].states...)
}

// InitialStates returns the states a new entity of kind may start in.
func InitialStates(kind Kind) []State {
	return append([]State(nil), graphs[kind].initial...)
}

// Successors returns the states directly reachable from from.
func Successors(kind Kind, from State) []State {
	return append([]State(nil), graphs[kind].edges[from]...)
}

// IsTerminal reports whether s is a known state of kind with no outgoing
// edges.
func IsTerminal(kind Kind, s State) bool {
	return IsKnown(kind, s) && len(graphs[kind].edges[s]) == 0
}

// IsKnown reports whether s belongs to the graph of kind.
func IsKnown(kind Kind, s State) bool {
	for _, st := range graphs[kind].states {
		if st == s {
			return true
		}
	}
	return false
}

// IsInitial reports whether an entity of kind may be created in state s.
func IsInitial(kind Kind, s State) bool {
	for _, st := range graphs[kind].initial {
		if st == s {
			return true
		}
	}
	return false
}

// IsLegal reports whether from -> to is an edge of the graph of kind.
func IsLegal(kind Kind, from, to State) bool {
	for _, s := range graphs[kind].edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseState validates a raw state name against the graph of kind.
func ParseState(kind Kind, raw string) (State, error) {
	s := State(strings.TrimSpace(raw))
	if !IsKnown(kind, s) {
		return "", fmt.Errorf("%w: unknown %s state %q", ErrInvalidInput, kind, raw)
	}
	return s, nil
}

// GuardContext carries the facts guard predicates need. Fields irrelevant
// to a transition are ignored.
type GuardContext struct {
	// Cause is the free-text reason supplied with a sample transition.
	Cause *string
	// AppointmentID and AppointmentDate describe the booking a plan is
	// being reserved against. The date must already be in clinic time.
	AppointmentID   *uuid.UUID
	AppointmentDate time.Time
	// MinDate and MaxDate bound the plan's inclusive window.
	MinDate time.Time
	MaxDate time.Time
}

// Guard checks that from -> to is legal for kind and that the transition's
// guard predicate holds. It returns *IllegalTransitionError,
// *MissingCauseError, *WindowViolationError, or an ErrInvalidInput wrap.
//
// A sample discard without a cause fails with *MissingCauseError whatever
// the source state, terminal ones included.
func Guard(kind Kind, from, to State, gc GuardContext) error {
	if kind == KindSample && to == Discarded && !HasCause(gc.Cause) {
		return &MissingCauseError{From: from}
	}
	if !IsLegal(kind, from, to) {
		return &IllegalTransitionError{Kind: kind, From: from, To: to}
	}

	switch kind {
	case KindMonitoringPlan:
		if to == Reserved {
			if gc.AppointmentID == nil || *gc.AppointmentID == uuid.Nil {
				return fmt.Errorf("%w: appointment id is required to reserve a plan", ErrInvalidInput)
			}
			if !WithinWindow(gc.AppointmentDate, gc.MinDate, gc.MaxDate) {
				return &WindowViolationError{
					AppointmentDate: CivilDate(gc.AppointmentDate),
					MinDate:         CivilDate(gc.MinDate),
					MaxDate:         CivilDate(gc.MaxDate),
				}
			}
		}
	}
	return nil
}

// HasCause reports whether cause is present and not blank.
func HasCause(cause *string) bool {
	return cause != nil && strings.TrimSpace(*cause) != ""
}

// CivilDate drops the clock part of t, keeping the calendar date as seen in
// t's own location, and returns it as midnight UTC.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WithinWindow reports whether the calendar date of t lies in
// [minDate, maxDate], both ends inclusive.
func WithinWindow(t, minDate, maxDate time.Time) bool {
	day := CivilDate(t)
	return !day.Before(CivilDate(minDate)) && !day.After(CivilDate(maxDate))
}
