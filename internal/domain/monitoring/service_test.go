package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/domain/transition"
	"github.com/clinicflow/engine/internal/platform/db"
	"github.com/clinicflow/engine/internal/platform/db/dbtest"
)

const actor = "doctor-1"

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func intPtr(n int) *int { return &n }

func newTestScheduler(t *testing.T, loc *time.Location) (*Scheduler, *db.SQLiteDB) {
	t.Helper()
	database := dbtest.Open(t)
	s := NewScheduler(database, NewRepository(database), NewAppointmentLookup(database, loc),
		audit.NewRecorder(), nil, zerolog.Nop())
	return s, database
}

// planOne creates a single plan with the given window on a new treatment.
func planOne(t *testing.T, s *Scheduler, database db.DB, minDate, maxDate time.Time) *Plan {
	t.Helper()
	plans, err := s.PlanMonitorings(context.Background(), dbtest.Treatment(t, database),
		[]PlanSpec{{MinDate: minDate, MaxDate: maxDate}}, actor)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return plans[0]
}

// appointmentOn books an appointment at 09:00 UTC on day.
func appointmentOn(t *testing.T, database db.DB, p *Plan, day time.Time) uuid.UUID {
	t.Helper()
	return dbtest.Appointment(t, database, p.TreatmentID, day.Add(9*time.Hour))
}

// -- PlanMonitorings --

func TestPlanMonitorings_AssignsIncreasingSequences(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	treatmentID := dbtest.Treatment(t, database)

	first, err := s.PlanMonitorings(ctx, treatmentID, []PlanSpec{
		{PlannedDay: intPtr(5), MinDate: date(2025, 1, 5), MaxDate: date(2025, 1, 6)},
		{PlannedDay: intPtr(8), MinDate: date(2025, 1, 8), MaxDate: date(2025, 1, 9)},
	}, actor)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	second, err := s.PlanMonitorings(ctx, treatmentID, []PlanSpec{
		{MinDate: date(2025, 1, 11), MaxDate: date(2025, 1, 11)},
	}, actor)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}

	if first[0].Sequence != 1 || first[1].Sequence != 2 || second[0].Sequence != 3 {
		t.Errorf("expected sequences 1,2,3, got %d,%d,%d", first[0].Sequence, first[1].Sequence, second[0].Sequence)
	}
	for _, p := range append(first, second...) {
		if p.Status != transition.Planned {
			t.Errorf("expected PLANNED, got %s", p.Status)
		}
	}

	plans, err := s.GetPlans(ctx, treatmentID)
	if err != nil {
		t.Fatalf("get plans: %v", err)
	}
	if len(plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(plans))
	}
	for i, p := range plans {
		if p.Sequence != i+1 {
			t.Errorf("plan %d has sequence %d", i, p.Sequence)
		}
	}
	if !plans[0].MinDate.Equal(date(2025, 1, 5)) {
		t.Errorf("expected min_date 2025-01-05, got %v", plans[0].MinDate)
	}

	// treatment_id, sequence, planned_day, min_date, max_date, status per
	// plan; the third has no planned_day.
	if n := dbtest.Count(t, database, "audit_log", "table_name = $1", PlanTable); n != 6+6+5 {
		t.Errorf("expected 17 creation audit rows, got %d", n)
	}
}

func TestPlanMonitorings_RejectsWholeBatch(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	treatmentID := dbtest.Treatment(t, database)
	valid := PlanSpec{MinDate: date(2025, 1, 10), MaxDate: date(2025, 1, 14)}
	before := dbtest.Snapshot(t, database, dbtest.EngineTables...)

	tests := []struct {
		name        string
		treatmentID uuid.UUID
		specs       []PlanSpec
		want        error
	}{
		{"empty batch", treatmentID, nil, transition.ErrInvalidInput},
		{"inverted window", treatmentID, []PlanSpec{valid, {MinDate: date(2025, 1, 14), MaxDate: date(2025, 1, 10)}}, transition.ErrInvalidInput},
		{"missing max date", treatmentID, []PlanSpec{valid, {MinDate: date(2025, 1, 14)}}, transition.ErrInvalidInput},
		{"negative planned day", treatmentID, []PlanSpec{valid, {PlannedDay: intPtr(-1), MinDate: date(2025, 1, 1), MaxDate: date(2025, 1, 2)}}, transition.ErrInvalidInput},
		{"unknown treatment", uuid.New(), []PlanSpec{valid}, ErrTreatmentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.PlanMonitorings(ctx, tt.treatmentID, tt.specs, actor); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if after := dbtest.Snapshot(t, database, dbtest.EngineTables...); after != before {
		t.Error("rejected batches changed storage")
	}
}

func TestPlanMonitorings_ConcurrentBatchesKeepSequencesUnique(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	treatmentID := dbtest.Treatment(t, database)

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.PlanMonitorings(ctx, treatmentID, []PlanSpec{
				{MinDate: date(2025, 2, 1), MaxDate: date(2025, 2, 2)},
				{MinDate: date(2025, 2, 3), MaxDate: date(2025, 2, 4)},
			}, actor)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		var conflict *SequenceConflictError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &conflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	plans, err := s.GetPlans(ctx, treatmentID)
	if err != nil {
		t.Fatalf("get plans: %v", err)
	}
	if len(plans) != 2*succeeded {
		t.Fatalf("expected %d plans, got %d", 2*succeeded, len(plans))
	}
	for i, p := range plans {
		if p.Sequence != i+1 {
			t.Errorf("expected contiguous sequence %d, got %d", i+1, p.Sequence)
		}
	}
}

// -- Reserve / Complete / Cancel --

func TestScheduler_ReserveCompleteCancelScenario(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))
	appt := appointmentOn(t, database, p, date(2025, 1, 12))

	reserved, err := s.Reserve(ctx, p.ID, appt, actor)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.Status != transition.Reserved || reserved.AppointmentID == nil || *reserved.AppointmentID != appt {
		t.Fatalf("unexpected reserved plan %+v", reserved)
	}

	completed, err := s.Complete(ctx, p.ID, actor)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != transition.Completed || completed.CompletedAt == nil {
		t.Fatalf("unexpected completed plan %+v", completed)
	}

	before := dbtest.Snapshot(t, database, dbtest.EngineTables...)
	_, err = s.Cancel(ctx, p.ID, actor)
	var illegal *transition.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != transition.Completed || illegal.To != transition.Cancelled {
		t.Errorf("expected COMPLETED -> CANCELLED in error, got %s -> %s", illegal.From, illegal.To)
	}
	if after := dbtest.Snapshot(t, database, dbtest.EngineTables...); after != before {
		t.Error("rejected cancel changed storage")
	}

	got, err := s.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Status != transition.Completed {
		t.Errorf("expected plan still COMPLETED, got %s", got.Status)
	}
}

func TestReserve_WindowBoundariesAreInclusive(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()

	tests := []struct {
		day     time.Time
		allowed bool
	}{
		{date(2025, 1, 9), false},
		{date(2025, 1, 10), true},
		{date(2025, 1, 14), true},
		{date(2025, 1, 15), false},
	}
	for _, tt := range tests {
		t.Run(tt.day.Format(time.DateOnly), func(t *testing.T) {
			p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))
			appt := appointmentOn(t, database, p, tt.day)
			before := dbtest.Snapshot(t, database, dbtest.EngineTables...)

			_, err := s.Reserve(ctx, p.ID, appt, actor)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			var window *transition.WindowViolationError
			if !errors.As(err, &window) {
				t.Fatalf("expected WindowViolationError, got %v", err)
			}
			if !window.AppointmentDate.Equal(tt.day) {
				t.Errorf("expected error to carry %v, got %v", tt.day, window.AppointmentDate)
			}
			if after := dbtest.Snapshot(t, database, dbtest.EngineTables...); after != before {
				t.Error("rejected reservation changed storage")
			}
		})
	}
}

func TestReserve_UsesClinicTimezone(t *testing.T) {
	clinic := time.FixedZone("clinic", 3*3600)
	s, database := newTestScheduler(t, clinic)
	ctx := context.Background()

	// 22:30 UTC on the 14th is already the 15th at the clinic.
	p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))
	late := dbtest.Appointment(t, database, p.TreatmentID, time.Date(2025, 1, 14, 22, 30, 0, 0, time.UTC))
	_, err := s.Reserve(ctx, p.ID, late, actor)
	var window *transition.WindowViolationError
	if !errors.As(err, &window) {
		t.Fatalf("expected WindowViolationError in clinic time, got %v", err)
	}

	// 21:30 UTC on the 9th is the 10th at the clinic.
	early := dbtest.Appointment(t, database, p.TreatmentID, time.Date(2025, 1, 9, 21, 30, 0, 0, time.UTC))
	if _, err := s.Reserve(ctx, p.ID, early, actor); err != nil {
		t.Fatalf("expected success in clinic time, got %v", err)
	}
}

func TestReserve_IsIdempotent(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))
	appt := appointmentOn(t, database, p, date(2025, 1, 11))

	if _, err := s.Reserve(ctx, p.ID, appt, actor); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	before := dbtest.Snapshot(t, database, dbtest.EngineTables...)

	again, err := s.Reserve(ctx, p.ID, appt, actor)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if again.Status != transition.Reserved {
		t.Errorf("expected RESERVED, got %s", again.Status)
	}
	if after := dbtest.Snapshot(t, database, dbtest.EngineTables...); after != before {
		t.Error("idempotent reserve wrote to storage")
	}
}

func TestScheduler_BlankActorRejectedOnEveryPath(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))
	appt := appointmentOn(t, database, p, date(2025, 1, 11))
	if _, err := s.Reserve(ctx, p.ID, appt, actor); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	before := dbtest.Snapshot(t, database, dbtest.EngineTables...)

	calls := map[string]func(actorID string) error{
		"idempotent reserve": func(a string) error { _, err := s.Reserve(ctx, p.ID, appt, a); return err },
		"complete":           func(a string) error { _, err := s.Complete(ctx, p.ID, a); return err },
		"cancel":             func(a string) error { _, err := s.Cancel(ctx, p.ID, a); return err },
	}
	for name, call := range calls {
		for _, blank := range []string{"", "   "} {
			err := call(blank)
			var unattributed *audit.UnattributedWriteError
			if !errors.As(err, &unattributed) {
				t.Errorf("%s with actor %q: expected UnattributedWriteError, got %v", name, blank, err)
			}
		}
	}
	if after := dbtest.Snapshot(t, database, dbtest.EngineTables...); after != before {
		t.Error("unattributed calls changed storage")
	}
}

func TestReserve_DuplicateBinding(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	treatmentID := dbtest.Treatment(t, database)
	plans, err := s.PlanMonitorings(ctx, treatmentID, []PlanSpec{
		{MinDate: date(2025, 1, 10), MaxDate: date(2025, 1, 14)},
		{MinDate: date(2025, 1, 10), MaxDate: date(2025, 1, 14)},
	}, actor)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	appt := appointmentOn(t, database, plans[0], date(2025, 1, 12))

	if _, err := s.Reserve(ctx, plans[0].ID, appt, actor); err != nil {
		t.Fatalf("reserve first: %v", err)
	}
	before := dbtest.Snapshot(t, database, dbtest.EngineTables...)

	_, err = s.Reserve(ctx, plans[1].ID, appt, actor)
	var dup *DuplicateBindingError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateBindingError, got %v", err)
	}
	if dup.BoundPlanID != plans[0].ID {
		t.Errorf("expected bound plan %s, got %s", plans[0].ID, dup.BoundPlanID)
	}
	if after := dbtest.Snapshot(t, database, dbtest.EngineTables...); after != before {
		t.Error("rejected reservation changed storage")
	}
}

func TestReserve_Rejections(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))

	if _, err := s.Reserve(ctx, p.ID, uuid.New(), actor); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}
	if _, err := s.Reserve(ctx, p.ID, uuid.Nil, actor); !errors.Is(err, transition.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.Reserve(ctx, uuid.New(), uuid.New(), actor); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	appt := appointmentOn(t, database, p, date(2025, 1, 12))
	_, err := s.Reserve(ctx, p.ID, appt, "")
	var unattributed *audit.UnattributedWriteError
	if !errors.As(err, &unattributed) {
		t.Errorf("expected UnattributedWriteError, got %v", err)
	}
	got, _ := s.GetPlan(ctx, p.ID)
	if got.Status != transition.Planned || got.AppointmentID != nil {
		t.Errorf("unattributed reservation left changes: %+v", got)
	}
}

func TestComplete_RequiresReservation(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))

	_, err := s.Complete(context.Background(), p.ID, actor)
	var illegal *transition.IllegalTransitionError
	if !errors.As(err, &illegal) || illegal.From != transition.Planned {
		t.Fatalf("expected IllegalTransitionError from PLANNED, got %v", err)
	}
}

func TestCancel_ReleasesAppointmentAndHidesPlan(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	treatmentID := dbtest.Treatment(t, database)
	plans, err := s.PlanMonitorings(ctx, treatmentID, []PlanSpec{
		{MinDate: date(2025, 1, 10), MaxDate: date(2025, 1, 14)},
		{MinDate: date(2025, 1, 10), MaxDate: date(2025, 1, 14)},
	}, actor)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	appt := appointmentOn(t, database, plans[0], date(2025, 1, 12))
	if _, err := s.Reserve(ctx, plans[0].ID, appt, actor); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	cancelled, err := s.Cancel(ctx, plans[0].ID, actor)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != transition.Cancelled || cancelled.AppointmentID != nil || cancelled.DeletedAt == nil {
		t.Fatalf("unexpected cancelled plan %+v", cancelled)
	}
	if n := dbtest.Count(t, database, "appointment", "id = $1 AND status = 'booked'", appt); n != 1 {
		t.Error("cancel must not touch the appointment")
	}

	visible, err := s.GetPlans(ctx, treatmentID)
	if err != nil {
		t.Fatalf("get plans: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != plans[1].ID {
		t.Errorf("expected only the open plan, got %d plans", len(visible))
	}
	all, err := s.GetPlans(ctx, treatmentID, IncludeCancelled())
	if err != nil {
		t.Fatalf("get plans with cancelled: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 plans with IncludeCancelled, got %d", len(all))
	}

	// The released appointment can now be bound elsewhere.
	if _, err := s.Reserve(ctx, plans[1].ID, appt, actor); err != nil {
		t.Fatalf("reserve released appointment: %v", err)
	}

	if _, err := s.Cancel(ctx, plans[0].ID, actor); err == nil {
		t.Error("expected cancelling a cancelled plan to fail")
	}
}

func TestScheduler_AuditMatchesChangedFields(t *testing.T) {
	s, database := newTestScheduler(t, time.UTC)
	ctx := context.Background()
	p := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))
	appt := appointmentOn(t, database, p, date(2025, 1, 12))

	count := func() int {
		return dbtest.Count(t, database, "audit_log", "table_name = $1 AND record_id = $2", PlanTable, p.ID.String())
	}

	steps := []struct {
		name string
		run  func() error
		want int
	}{
		// status, appointment_id, reserved_at
		{"reserve", func() error { _, err := s.Reserve(ctx, p.ID, appt, actor); return err }, 3},
		// status, completed_at
		{"complete", func() error { _, err := s.Complete(ctx, p.ID, actor); return err }, 2},
	}
	for _, step := range steps {
		before := count()
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := count() - before; got != step.want {
			t.Errorf("%s: expected %d audit rows, got %d", step.name, step.want, got)
		}
	}

	other := planOne(t, s, database, date(2025, 1, 10), date(2025, 1, 14))
	otherAppt := appointmentOn(t, database, other, date(2025, 1, 13))
	if _, err := s.Reserve(ctx, other.ID, otherAppt, actor); err != nil {
		t.Fatalf("reserve other: %v", err)
	}
	before := dbtest.Count(t, database, "audit_log", "record_id = $1", other.ID.String())
	if _, err := s.Cancel(ctx, other.ID, actor); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// status, appointment_id, cancelled_at, deleted_at
	if got := dbtest.Count(t, database, "audit_log", "record_id = $1", other.ID.String()) - before; got != 4 {
		t.Errorf("cancel: expected 4 audit rows, got %d", got)
	}
}
