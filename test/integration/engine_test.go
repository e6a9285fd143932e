//go:build integration

package integration

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/engine/internal/domain/monitoring"
	"github.com/clinicflow/engine/internal/domain/sample"
	"github.com/clinicflow/engine/internal/domain/transition"
	"github.com/clinicflow/engine/internal/platform/db/dbtest"
)

const actor = "it-user"

func TestSample_ConcurrentConflictingTargets(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	s, err := m.RegisterSample(ctx, sample.NewSample{
		TreatmentID:  dbtest.Treatment(t, database),
		Kind:         sample.KindOocyte,
		InitialState: transition.Mature,
	}, actor)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.AdvanceState(ctx, s.ID, transition.Cultivated, nil, actor); err != nil {
		t.Fatalf("cultivate: %v", err)
	}

	cause := "arrested development"
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target, c := transition.Used, (*string)(nil)
			if i%2 == 1 {
				target, c = transition.Discarded, &cause
			}
			_, err := m.AdvanceState(ctx, s.ID, target, c, actor)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected one winner, got %d (errors: %v)", successes, failures)
	}
	for _, err := range failures {
		var illegal *transition.IllegalTransitionError
		if !errors.As(err, &illegal) {
			t.Errorf("expected IllegalTransitionError, got %v", err)
		}
	}
	history, err := m.GetHistory(ctx, s.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(history))
	}
	state, err := m.CurrentState(ctx, s.ID)
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != history[len(history)-1].NewState {
		t.Errorf("current state %s disagrees with history %s", state, history[len(history)-1].NewState)
	}
}

func TestMonitoring_ConcurrentBatchesGetContiguousSequences(t *testing.T) {
	ctx := context.Background()
	s := newScheduler()
	treatmentID := dbtest.Treatment(t, database)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			day := time.Date(2025, 4, 1+i, 0, 0, 0, 0, time.UTC)
			_, err := s.PlanMonitorings(ctx, treatmentID, []monitoring.PlanSpec{
				{MinDate: day, MaxDate: day},
				{MinDate: day, MaxDate: day.AddDate(0, 0, 1)},
			}, actor)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			var conflict *monitoring.SequenceConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("unexpected error: %v", err)
			}
			failed++
		}
	}

	plans, err := s.GetPlans(ctx, treatmentID)
	if err != nil {
		t.Fatalf("get plans: %v", err)
	}
	if len(plans) != 2*(10-failed) {
		t.Fatalf("expected %d plans, got %d", 2*(10-failed), len(plans))
	}
	seqs := make([]int, len(plans))
	for i, p := range plans {
		seqs[i] = p.Sequence
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("sequences not contiguous: %v", seqs)
		}
	}
}

func TestMonitoring_ConcurrentReserveSameAppointment(t *testing.T) {
	ctx := context.Background()
	s := newScheduler()
	treatmentID := dbtest.Treatment(t, database)

	window := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	var specs []monitoring.PlanSpec
	for i := 0; i < 6; i++ {
		specs = append(specs, monitoring.PlanSpec{MinDate: window, MaxDate: window.AddDate(0, 0, 4)})
	}
	plans, err := s.PlanMonitorings(ctx, treatmentID, specs, actor)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	apptID := dbtest.Appointment(t, database, treatmentID, window.AddDate(0, 0, 2).Add(9*time.Hour))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, p := range plans {
		wg.Add(1)
		go func(planID uuid.UUID) {
			defer wg.Done()
			_, err := s.Reserve(ctx, planID, apptID, actor)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			var dup *monitoring.DuplicateBindingError
			if !errors.As(err, &dup) {
				t.Errorf("expected DuplicateBindingError, got %v", err)
			}
		}(p.ID)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected one reservation, got %d", successes)
	}
	if n := dbtest.Count(t, database, "treatment_monitoring_plan", "appointment_id = $1", apptID); n != 1 {
		t.Fatalf("expected appointment bound once, got %d", n)
	}
}

func TestAuditLog_RejectsUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	s, err := m.RegisterSample(ctx, sample.NewSample{TreatmentID: dbtest.Treatment(t, database), Kind: sample.KindEmbryo}, actor)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = database.Exec(ctx, `UPDATE audit_log SET new_value = 'tampered' WHERE record_id = $1`, s.ID.String())
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("expected immutability error on update, got %v", err)
	}
	_, err = database.Exec(ctx, `DELETE FROM audit_log WHERE record_id = $1`, s.ID.String())
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("expected immutability error on delete, got %v", err)
	}
	_, err = database.Exec(ctx, `DELETE FROM oocyte_state_history WHERE sample_id = $1`, s.ID)
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("expected immutability error on history delete, got %v", err)
	}
}

func TestTransaction_TimeoutRollsBack(t *testing.T) {
	m := newManager()
	s, err := m.RegisterSample(context.Background(), sample.NewSample{TreatmentID: dbtest.Treatment(t, database), Kind: sample.KindOocyte}, actor)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	before := dbtest.Count(t, database, "audit_log", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if _, err := m.AdvanceState(ctx, s.ID, transition.Immature, nil, actor); err == nil {
		t.Fatal("expected expired context to fail the transition")
	}

	if n := dbtest.Count(t, database, "oocyte_state_history", "sample_id = $1", s.ID); n != 1 {
		t.Errorf("expected only the registration row, got %d", n)
	}
	if after := dbtest.Count(t, database, "audit_log", ""); after != before {
		t.Errorf("audit rows changed from %d to %d", before, after)
	}
}
