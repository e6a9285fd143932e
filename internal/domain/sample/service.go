// Package sample moves oocytes and embryos through their maturation and
// disposition lifecycle. The state history is the only record of a
// sample's state; every transition appends one history row and its audit
// entries in a single transaction.
package sample

import (
	"context"
	"errors"
	"strings"
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

type Manager struct {
	db       db.DB
	repo     Repository
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(database db.DB, repo Repository, recorder *audit.Recorder, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		db:       database,
		repo:     repo,
		recorder: recorder,
		metrics:  m,
		logger:   logger.With().Str("component", "sample").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// RegisterSample creates a sample and its first history entry.
func (m *Manager) RegisterSample(ctx context.Context, in NewSample, actorID string) (s *Sample, err error) {
	const op = "register_sample"
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "sample."+op, attribute.String("treatment.id", in.TreatmentID.String()))
	defer func() {
		telemetry.EndSpan(span, err)
		m.metrics.Observe(op, start, err)
	}()

	if err := in.Validate(); err != nil {
		m.reject(op, err)
		return nil, err
	}

	var sampleRows, historyRows int
	attempt := func(ctx context.Context) error {
		ok, err := m.repo.TreatmentExists(ctx, in.TreatmentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTreatmentNotFound
		}

		now := m.timestamp()
		created := &Sample{
			ID:          uuid.New(),
			TreatmentID: in.TreatmentID,
			Kind:        in.Kind,
			Label:       in.Label,
			State:       in.InitialState,
			CreatedAt:   now,
		}
		if err := m.repo.Create(ctx, created); err != nil {
			return err
		}
		first := &HistoryEntry{
			ID:             uuid.New(),
			SampleID:       created.ID,
			Position:       1,
			NewState:       in.InitialState,
			TransitionDate: now,
		}
		if err := m.repo.AppendHistory(ctx, first); err != nil {
			return err
		}

		sampleChanges := []audit.FieldChange{
			audit.Change("treatment_id", nil, created.TreatmentID),
			audit.Change("kind", nil, string(created.Kind)),
			audit.Change("label", nil, created.Label),
		}
		if err := m.recorder.Record(ctx, SampleTable, created.ID.String(), actorID, sampleChanges); err != nil {
			return err
		}
		if err := m.recorder.Record(ctx, HistoryTable, first.ID.String(), actorID, first.changes()); err != nil {
			return err
		}
		s, sampleRows, historyRows = created, audit.CountChanged(sampleChanges), audit.CountChanged(first.changes())
		return nil
	}

	if err := db.RetryOnce(ctx, m.db, m.onRetry(op), attempt); err != nil {
		m.reject(op, err)
		return nil, err
	}
	m.metrics.AuditEntries(SampleTable, sampleRows)
	m.metrics.AuditEntries(HistoryTable, historyRows)

	m.logger.Info().
		Str("sample_id", s.ID.String()).
		Str("treatment_id", s.TreatmentID.String()).
		Str("state", string(s.State)).
		Str("actor_id", actorID).
		Msg("sample registered")
	return s, nil
}

// AdvanceState moves the sample from its current state to target. cause is
// stored only when target is discarded, where it is required.
func (m *Manager) AdvanceState(ctx context.Context, sampleID uuid.UUID, target transition.State, cause *string, actorID string) (*HistoryEntry, error) {
	return m.advance(ctx, "advance_state", sampleID, target, cause, actorID, nil)
}

// AdvanceStateFrom is AdvanceState for callers that display a state and want
// the move rejected if the sample has moved on since. A mismatch fails with
// *transition.IllegalTransitionError naming the actual current state.
func (m *Manager) AdvanceStateFrom(ctx context.Context, sampleID uuid.UUID, expected, target transition.State, cause *string, actorID string) (*HistoryEntry, error) {
	return m.advance(ctx, "advance_state", sampleID, target, cause, actorID, func(current transition.State) error {
		if current != expected {
			return &transition.IllegalTransitionError{Kind: transition.KindSample, From: current, To: target}
		}
		return nil
	})
}

// FinishCultivation closes a cultivated sample as used or discarded. Any
// other outcome, or a sample that is not cultivated, is an illegal
// transition.
func (m *Manager) FinishCultivation(ctx context.Context, sampleID uuid.UUID, outcome transition.State, cause *string, actorID string) (*HistoryEntry, error) {
	const op = "finish_cultivation"
	if outcome != transition.Used && outcome != transition.Discarded {
		err := &transition.IllegalTransitionError{Kind: transition.KindSample, From: transition.Cultivated, To: outcome}
		m.reject(op, err)
		return nil, err
	}
	return m.advance(ctx, op, sampleID, outcome, cause, actorID, func(current transition.State) error {
		if current != transition.Cultivated {
			return &transition.IllegalTransitionError{Kind: transition.KindSample, From: current, To: outcome}
		}
		return nil
	})
}

func (m *Manager) advance(ctx context.Context, op string, sampleID uuid.UUID, target transition.State,
	cause *string, actorID string, precondition func(current transition.State) error) (entry *HistoryEntry, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "sample."+op,
		attribute.String("sample.id", sampleID.String()),
		attribute.String("sample.target_state", string(target)),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		m.metrics.Observe(op, start, err)
	}()

	if err := audit.RequireActor(HistoryTable, sampleID.String(), actorID); err != nil {
		m.reject(op, err)
		return nil, err
	}

	var current transition.State
	attempt := func(ctx context.Context) error {
		entry = nil
		if err := m.repo.Lock(ctx, sampleID); err != nil {
			return err
		}
		latest, err := m.repo.Latest(ctx, sampleID)
		if err != nil {
			return err
		}
		current = latest.NewState

		if err := transition.Guard(transition.KindSample, current, target, transition.GuardContext{Cause: cause}); err != nil {
			return err
		}
		if precondition != nil {
			if err := precondition(current); err != nil {
				return err
			}
		}

		var stored *string
		if target == transition.Discarded {
			c := strings.TrimSpace(*cause)
			stored = &c
		}
		at := m.timestamp()
		if at.Before(latest.TransitionDate) {
			at = latest.TransitionDate
		}
		prev := current
		h := &HistoryEntry{
			ID:             uuid.New(),
			SampleID:       sampleID,
			Position:       latest.Position + 1,
			PreviousState:  &prev,
			NewState:       target,
			TransitionDate: at,
			Cause:          stored,
		}
		if err := m.repo.AppendHistory(ctx, h); err != nil {
			return err
		}
		if err := m.recorder.Record(ctx, HistoryTable, h.ID.String(), actorID, h.changes()); err != nil {
			return err
		}
		entry = h
		return nil
	}

	if err := db.RetryOnce(ctx, m.db, m.onRetry(op), attempt); err != nil {
		if db.IsRetryable(err) {
			err = &transition.IllegalTransitionError{Kind: transition.KindSample, From: current, To: target}
		}
		m.reject(op, err)
		return nil, err
	}

	m.metrics.Transition(string(transition.KindSample), string(*entry.PreviousState), string(entry.NewState))
	m.metrics.AuditEntries(HistoryTable, audit.CountChanged(entry.changes()))
	m.logger.Info().
		Str("sample_id", sampleID.String()).
		Str("from", string(*entry.PreviousState)).
		Str("to", string(entry.NewState)).
		Int("position", entry.Position).
		Str("actor_id", actorID).
		Msg("sample state advanced")
	return entry, nil
}

// GetHistory returns every transition of the sample, oldest first.
func (m *Manager) GetHistory(ctx context.Context, sampleID uuid.UUID) ([]*HistoryEntry, error) {
	items, err := m.repo.History(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		if _, err := m.repo.Get(ctx, sampleID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// CurrentState returns the new_state of the latest history entry.
func (m *Manager) CurrentState(ctx context.Context, sampleID uuid.UUID) (transition.State, error) {
	s, err := m.repo.Get(ctx, sampleID)
	if err != nil {
		return "", err
	}
	return s.State, nil
}

func (m *Manager) Get(ctx context.Context, sampleID uuid.UUID) (*Sample, error) {
	return m.repo.Get(ctx, sampleID)
}

func (m *Manager) ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Sample, error) {
	return m.repo.ListByTreatment(ctx, treatmentID)
}

func (m *Manager) onRetry(op string) func(error) {
	return func(err error) {
		m.metrics.Retry(op)
		m.logger.Warn().Err(err).Str("operation", op).Msg("retrying after transient conflict")
	}
}

func (m *Manager) reject(op string, err error) {
	reason := rejectionReason(err)
	m.metrics.Rejection(op, reason)

	var unattributed *audit.UnattributedWriteError
	if errors.As(err, &unattributed) {
		m.logger.Error().Err(err).Str("operation", op).Msg("write without actor rejected")
		return
	}
	m.logger.Debug().Err(err).Str("operation", op).Str("reason", reason).Msg("mutation rejected")
}

func rejectionReason(err error) string {
	var (
		illegal      *transition.IllegalTransitionError
		missingCause *transition.MissingCauseError
		unattributed *audit.UnattributedWriteError
	)
	switch {
	case errors.As(err, &illegal):
		return "illegal_transition"
	case errors.As(err, &missingCause):
		return "missing_cause"
	case errors.As(err, &unattributed):
		return "unattributed"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTreatmentNotFound):
		return "not_found"
	case errors.Is(err, transition.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
