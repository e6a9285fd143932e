// Package monitoring schedules treatment-monitoring slots and reconciles
// them with booked appointments. Plan creation is serialized per
// treatment; every state change is audited column by column.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/domain/transition"
	"github.com/clinicflow/engine/internal/platform/db"
	"github.com/clinicflow/engine/internal/platform/metrics"
	"github.com/clinicflow/engine/internal/platform/telemetry"
)

type Scheduler struct {
	db           db.DB
	repo         Repository
	appointments AppointmentLookup
	recorder     *audit.Recorder
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewScheduler(database db.DB, repo Repository, appointments AppointmentLookup, recorder *audit.Recorder,
	m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		db:           database,
		repo:         repo,
		appointments: appointments,
		recorder:     recorder,
		metrics:      m,
		logger:       logger.With().Str("component", "monitoring").Logger(),
		now:          time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// PlanMonitorings creates one PLANNED row per spec with sequences following
// the treatment's current maximum. The batch is all-or-nothing.
func (s *Scheduler) PlanMonitorings(ctx context.Context, treatmentID uuid.UUID, specs []PlanSpec, actorID string) (plans []*Plan, err error) {
	const op = "plan_monitorings"
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "monitoring."+op,
		attribute.String("treatment.id", treatmentID.String()),
		attribute.Int("monitoring.batch_size", len(specs)),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		s.metrics.Observe(op, start, err)
	}()

	if len(specs) == 0 {
		err := fmt.Errorf("%w: at least one plan is required", transition.ErrInvalidInput)
		s.reject(op, err)
		return nil, err
	}
	for i, spec := range specs {
		if err := spec.validate(i); err != nil {
			s.reject(op, err)
			return nil, err
		}
	}

	attempt := func(ctx context.Context) error {
		plans = nil
		if err := s.repo.LockTreatment(ctx, treatmentID); err != nil {
			return err
		}
		seq, err := s.repo.MaxSequence(ctx, treatmentID)
		if err != nil {
			return err
		}

		now := s.timestamp()
		created := make([]*Plan, 0, len(specs))
		for _, spec := range specs {
			seq++
			p := &Plan{
				ID:          uuid.New(),
				TreatmentID: treatmentID,
				Sequence:    seq,
				PlannedDay:  spec.PlannedDay,
				MinDate:     transition.CivilDate(spec.MinDate),
				MaxDate:     transition.CivilDate(spec.MaxDate),
				Status:      transition.Planned,
				CreatedAt:   now,
			}
			if err := s.repo.Create(ctx, p); err != nil {
				return err
			}
			if err := s.recorder.Record(ctx, PlanTable, p.ID.String(), actorID, p.creationChanges()); err != nil {
				return err
			}
			created = append(created, p)
		}
		plans = created
		return nil
	}

	if err := db.RetryOnce(ctx, s.db, s.onRetry(op), attempt); err != nil {
		if db.IsRetryable(err) {
			err = &SequenceConflictError{TreatmentID: treatmentID}
		}
		s.reject(op, err)
		return nil, err
	}

	for _, p := range plans {
		s.metrics.AuditEntries(PlanTable, audit.CountChanged(p.creationChanges()))
	}
	s.logger.Info().
		Str("treatment_id", treatmentID.String()).
		Int("plans", len(plans)).
		Int("first_sequence", plans[0].Sequence).
		Str("actor_id", actorID).
		Msg("monitoring plans created")
	return plans, nil
}

// Reserve binds appointmentID to a PLANNED plan. The appointment's local
// date must fall inside the plan window. Reserving a plan again with the
// appointment it already holds succeeds without writing anything.
func (s *Scheduler) Reserve(ctx context.Context, planID, appointmentID uuid.UUID, actorID string) (*Plan, error) {
	return s.mutate(ctx, "reserve", planID, transition.Reserved, actorID, func(ctx context.Context, before *Plan) (*Plan, bool, error) {
		if before.Status == transition.Reserved && before.AppointmentID != nil && *before.AppointmentID == appointmentID {
			return before, false, nil
		}
		if !transition.IsLegal(transition.KindMonitoringPlan, before.Status, transition.Reserved) {
			return nil, false, &transition.IllegalTransitionError{Kind: transition.KindMonitoringPlan, From: before.Status, To: transition.Reserved}
		}
		if appointmentID == uuid.Nil {
			return nil, false, fmt.Errorf("%w: appointment id is required to reserve a plan", transition.ErrInvalidInput)
		}

		bound, err := s.repo.FindByAppointment(ctx, appointmentID)
		switch {
		case err == nil && bound.ID != before.ID:
			return nil, false, &DuplicateBindingError{AppointmentID: appointmentID, BoundPlanID: bound.ID}
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, false, err
		}

		appt, err := s.appointments.Lookup(ctx, appointmentID)
		if err != nil {
			return nil, false, err
		}
		gc := transition.GuardContext{
			AppointmentID:   &appointmentID,
			AppointmentDate: appt.Date,
			MinDate:         before.MinDate,
			MaxDate:         before.MaxDate,
		}
		if err := transition.Guard(transition.KindMonitoringPlan, before.Status, transition.Reserved, gc); err != nil {
			return nil, false, err
		}

		after := *before
		now := s.timestamp()
		after.Status = transition.Reserved
		after.AppointmentID = &appointmentID
		after.ReservedAt = &now
		return &after, true, nil
	}, func(err error) error {
		if db.IsUniqueViolation(err) {
			return &DuplicateBindingError{AppointmentID: appointmentID}
		}
		return nil
	})
}

// Complete moves a RESERVED plan to COMPLETED. The appointment stays bound.
func (s *Scheduler) Complete(ctx context.Context, planID uuid.UUID, actorID string) (*Plan, error) {
	return s.mutate(ctx, "complete", planID, transition.Completed, actorID, func(ctx context.Context, before *Plan) (*Plan, bool, error) {
		if err := transition.Guard(transition.KindMonitoringPlan, before.Status, transition.Completed, transition.GuardContext{}); err != nil {
			return nil, false, err
		}
		after := *before
		now := s.timestamp()
		after.Status = transition.Completed
		after.CompletedAt = &now
		return &after, true, nil
	}, nil)
}

// Cancel moves a PLANNED or RESERVED plan to CANCELLED, releases its
// appointment reference and soft-deletes the row. The appointment itself is
// left to its owning subsystem.
func (s *Scheduler) Cancel(ctx context.Context, planID uuid.UUID, actorID string) (*Plan, error) {
	return s.mutate(ctx, "cancel", planID, transition.Cancelled, actorID, func(ctx context.Context, before *Plan) (*Plan, bool, error) {
		if err := transition.Guard(transition.KindMonitoringPlan, before.Status, transition.Cancelled, transition.GuardContext{}); err != nil {
			return nil, false, err
		}
		after := *before
		now := s.timestamp()
		after.Status = transition.Cancelled
		after.AppointmentID = nil
		after.CancelledAt = &now
		after.DeletedAt = &now
		return &after, true, nil
	}, nil)
}

// planChange computes the new row from the locked one. changed is false
// for idempotent no-ops.
type planChange func(ctx context.Context, before *Plan) (after *Plan, changed bool, err error)

// mutate runs one locked read-modify-write of a plan with its audit rows.
// mapConflict translates a retryable error that survived the retry; nil
// means the conflict becomes an illegal transition.
func (s *Scheduler) mutate(ctx context.Context, op string, planID uuid.UUID, target transition.State, actorID string,
	change planChange, mapConflict func(error) error) (result *Plan, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "monitoring."+op,
		attribute.String("monitoring_plan.id", planID.String()),
		attribute.String("monitoring_plan.target_status", string(target)),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		s.metrics.Observe(op, start, err)
	}()

	if err := audit.RequireActor(PlanTable, planID.String(), actorID); err != nil {
		s.reject(op, err)
		return nil, err
	}

	var (
		before  *Plan
		changed bool
		changes []audit.FieldChange
	)
	attempt := func(ctx context.Context) error {
		result, changed, changes = nil, false, nil

		var err error
		before, err = s.repo.Lock(ctx, planID)
		if err != nil {
			return err
		}
		after, ok, err := change(ctx, before)
		if err != nil {
			return err
		}
		if !ok {
			result = after
			return nil
		}
		if err := s.repo.Update(ctx, after); err != nil {
			return err
		}
		changes = diff(before, after)
		if err := s.recorder.Record(ctx, PlanTable, planID.String(), actorID, changes); err != nil {
			return err
		}
		result, changed = after, true
		return nil
	}

	if err := db.RetryOnce(ctx, s.db, s.onRetry(op), attempt); err != nil {
		if db.IsRetryable(err) {
			var mapped error
			if mapConflict != nil {
				mapped = mapConflict(err)
			}
			if mapped == nil {
				var from transition.State
				if before != nil {
					from = before.Status
				}
				mapped = &transition.IllegalTransitionError{Kind: transition.KindMonitoringPlan, From: from, To: target}
			}
			err = mapped
		}
		s.reject(op, err)
		return nil, err
	}

	if !changed {
		s.logger.Debug().Str("plan_id", planID.String()).Str("operation", op).Msg("no change")
		return result, nil
	}
	s.metrics.Transition(string(transition.KindMonitoringPlan), string(before.Status), string(result.Status))
	s.metrics.AuditEntries(PlanTable, audit.CountChanged(changes))
	s.logger.Info().
		Str("plan_id", planID.String()).
		Str("treatment_id", result.TreatmentID.String()).
		Str("from", string(before.Status)).
		Str("to", string(result.Status)).
		Str("actor_id", actorID).
		Msg("monitoring plan updated")
	return result, nil
}

// ListOption adjusts GetPlans.
type ListOption func(*listOptions)

type listOptions struct {
	includeCancelled bool
}

// IncludeCancelled makes GetPlans return cancelled (soft-deleted) plans too.
func IncludeCancelled() ListOption {
	return func(o *listOptions) { o.includeCancelled = true }
}

// GetPlans returns the treatment's plans ordered by sequence.
func (s *Scheduler) GetPlans(ctx context.Context, treatmentID uuid.UUID, opts ...ListOption) ([]*Plan, error) {
	var o listOptions
	for _, opt := range opts {
		opt(&o)
	}
	return s.repo.ListByTreatment(ctx, treatmentID, o.includeCancelled)
}

func (s *Scheduler) GetPlan(ctx context.Context, planID uuid.UUID) (*Plan, error) {
	return s.repo.Get(ctx, planID)
}

func (s *Scheduler) onRetry(op string) func(error) {
	return func(err error) {
		s.metrics.Retry(op)
		s.logger.Warn().Err(err).Str("operation", op).Msg("retrying after transient conflict")
	}
}

func (s *Scheduler) reject(op string, err error) {
	reason := rejectionReason(err)
	s.metrics.Rejection(op, reason)

	if reason == "unattributed" {
		s.logger.Error().Err(err).Str("operation", op).Msg("write without actor rejected")
		return
	}
	s.logger.Debug().Err(err).Str("operation", op).Str("reason", reason).Msg("mutation rejected")
}

func rejectionReason(err error) string {
	var (
		illegal      *transition.IllegalTransitionError
		window       *transition.WindowViolationError
		duplicate    *DuplicateBindingError
		conflict     *SequenceConflictError
		unattributed *audit.UnattributedWriteError
	)
	switch {
	case errors.As(err, &illegal):
		return "illegal_transition"
	case errors.As(err, &window):
		return "window_violation"
	case errors.As(err, &duplicate):
		return "duplicate_binding"
	case errors.As(err, &conflict):
		return "sequence_conflict"
	case errors.As(err, &unattributed):
		return "unattributed"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTreatmentNotFound), errors.Is(err, ErrAppointmentNotFound):
		return "not_found"
	case errors.Is(err, transition.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
