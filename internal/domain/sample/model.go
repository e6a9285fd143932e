package sample

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/domain/transition"
)

// HistoryTable is the audited table for state transitions.
const HistoryTable = "oocyte_state_history"

// SampleTable is the audited table for sample registration.
const SampleTable = "sample"

var (
	// ErrNotFound is returned when the sample does not exist.
	ErrNotFound = errors.New("sample not found")
	// ErrTreatmentNotFound is returned when registering under an unknown treatment.
	ErrTreatmentNotFound = errors.New("treatment not found")
)

// Kind distinguishes oocytes from embryos. Both share one lifecycle graph.
type Kind string

const (
	KindOocyte Kind = "oocyte"
	KindEmbryo Kind = "embryo"
)

// Sample is an oocyte or embryo. State is derived from the latest history
// entry and is never stored on the sample row.
type Sample struct {
	ID          uuid.UUID        `json:"id"`
	TreatmentID uuid.UUID        `json:"treatment_id"`
	Kind        Kind             `json:"kind"`
	Label       *string          `json:"label,omitempty"`
	State       transition.State `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
}

// HistoryEntry is one append-only oocyte_state_history row.
type HistoryEntry struct {
	ID             uuid.UUID         `json:"id"`
	SampleID       uuid.UUID         `json:"sample_id"`
	Position       int               `json:"position"`
	PreviousState  *transition.State `json:"previous_state"`
	NewState       transition.State  `json:"new_state"`
	TransitionDate time.Time         `json:"transition_date"`
	Cause          *string           `json:"cause,omitempty"`
}

// changes is the audit diff of a freshly inserted history row.
func (h *HistoryEntry) changes() []audit.FieldChange {
	var prev *string
	if h.PreviousState != nil {
		s := string(*h.PreviousState)
		prev = &s
	}
	out := []audit.FieldChange{
		{Field: "previous_state", NewValue: prev},
		audit.Change("new_state", nil, string(h.NewState)),
	}
	if h.Cause != nil {
		out = append(out, audit.Change("cause", nil, h.Cause))
	}
	return out
}

// NewSample is the input of RegisterSample.
type NewSample struct {
	TreatmentID  uuid.UUID        `json:"treatment_id"`
	Kind         Kind             `json:"kind"`
	Label        *string          `json:"label,omitempty"`
	InitialState transition.State `json:"initial_state"`
}

// Validate checks the registration input. An empty InitialState defaults
// to very_immature.
func (n *NewSample) Validate() error {
	if n.TreatmentID == uuid.Nil {
		return fmt.Errorf("%w: treatment_id is required", transition.ErrInvalidInput)
	}
	switch n.Kind {
	case KindOocyte, KindEmbryo:
	default:
		return fmt.Errorf("%w: kind must be %q or %q", transition.ErrInvalidInput, KindOocyte, KindEmbryo)
	}
	if n.InitialState == "" {
		n.InitialState = transition.VeryImmature
	}
	if !transition.IsInitial(transition.KindSample, n.InitialState) {
		return fmt.Errorf("%w: %q is not an initial sample state", transition.ErrInvalidInput, n.InitialState)
	}
	if n.Label != nil {
		trimmed := strings.TrimSpace(*n.Label)
		if trimmed == "" {
			n.Label = nil
		} else {
			n.Label = &trimmed
		}
	}
	return nil
}
