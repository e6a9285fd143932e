package monitoring

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/domain/transition"
)

// PlanTable is the audited table name.
const PlanTable = "treatment_monitoring_plan"

var (
	ErrNotFound            = errors.New("monitoring plan not found")
	ErrTreatmentNotFound   = errors.New("treatment not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Plan is one treatment_monitoring_plan row. Rows are never deleted;
// cancellation sets DeletedAt.
type Plan struct {
	ID            uuid.UUID        `json:"id"`
	TreatmentID   uuid.UUID        `json:"treatment_id"`
	Sequence      int              `json:"sequence"`
	PlannedDay    *int             `json:"planned_day,omitempty"`
	MinDate       time.Time        `json:"min_date"`
	MaxDate       time.Time        `json:"max_date"`
	Status        transition.State `json:"status"`
	AppointmentID *uuid.UUID       `json:"appointment_id,omitempty"`
	ReservedAt    *time.Time       `json:"reserved_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CancelledAt   *time.Time       `json:"cancelled_at,omitempty"`
	DeletedAt     *time.Time       `json:"deleted_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

func dateValue(t time.Time) string {
	return transition.CivilDate(t).Format(time.DateOnly)
}

// creationChanges is the audit diff of a newly inserted plan.
func (p *Plan) creationChanges() []audit.FieldChange {
	return []audit.FieldChange{
		audit.Change("treatment_id", nil, p.TreatmentID),
		audit.Change("sequence", nil, p.Sequence),
		audit.Change("planned_day", nil, p.PlannedDay),
		audit.Change("min_date", nil, dateValue(p.MinDate)),
		audit.Change("max_date", nil, dateValue(p.MaxDate)),
		audit.Change("status", nil, string(p.Status)),
	}
}

// diff lists the mutable columns of before and after. Unchanged ones are
// dropped by the recorder.
func diff(before, after *Plan) []audit.FieldChange {
	return []audit.FieldChange{
		audit.Change("status", string(before.Status), string(after.Status)),
		audit.Change("appointment_id", before.AppointmentID, after.AppointmentID),
		audit.Change("reserved_at", before.ReservedAt, after.ReservedAt),
		audit.Change("completed_at", before.CompletedAt, after.CompletedAt),
		audit.Change("cancelled_at", before.CancelledAt, after.CancelledAt),
		audit.Change("deleted_at", before.DeletedAt, after.DeletedAt),
	}
}

// PlanSpec describes one monitoring slot to create.
type PlanSpec struct {
	PlannedDay *int
	MinDate    time.Time
	MaxDate    time.Time
}

func (s PlanSpec) validate(i int) error {
	if s.MinDate.IsZero() || s.MaxDate.IsZero() {
		return fmt.Errorf("%w: plan %d: min_date and max_date are required", transition.ErrInvalidInput, i)
	}
	if transition.CivilDate(s.MinDate).After(transition.CivilDate(s.MaxDate)) {
		return fmt.Errorf("%w: plan %d: min_date %s is after max_date %s", transition.ErrInvalidInput, i,
			dateValue(s.MinDate), dateValue(s.MaxDate))
	}
	if s.PlannedDay != nil && *s.PlannedDay < 0 {
		return fmt.Errorf("%w: plan %d: planned_day must not be negative", transition.ErrInvalidInput, i)
	}
	return nil
}

// AppointmentBinding is the part of an appointment the scheduler needs.
// Date carries the clinic's local calendar date.
type AppointmentBinding struct {
	ID   uuid.UUID
	Date time.Time
}

// DuplicateBindingError is returned when the appointment is already bound
// to another plan.
type DuplicateBindingError struct {
	AppointmentID uuid.UUID
	BoundPlanID   uuid.UUID
}

func (e *DuplicateBindingError) Error() string {
	if e.BoundPlanID == uuid.Nil {
		return fmt.Sprintf("appointment %s is already bound to another monitoring plan", e.AppointmentID)
	}
	return fmt.Sprintf("appointment %s is already bound to monitoring plan %s", e.AppointmentID, e.BoundPlanID)
}

// SequenceConflictError is returned when concurrent plan creation for the
// same treatment could not be serialized.
type SequenceConflictError struct {
	TreatmentID uuid.UUID
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("concurrent monitoring plan creation for treatment %s, please retry", e.TreatmentID)
}
