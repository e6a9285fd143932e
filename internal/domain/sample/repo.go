package sample

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicflow/engine/internal/domain/transition"
	"github.com/clinicflow/engine/internal/platform/db"
)

// Repository persists samples and their state history.
type Repository interface {
	// Lock takes the per-sample write lock for the rest of the transaction.
	Lock(ctx context.Context, id uuid.UUID) error
	TreatmentExists(ctx context.Context, treatmentID uuid.UUID) (bool, error)
	Create(ctx context.Context, s *Sample) error
	Get(ctx context.Context, id uuid.UUID) (*Sample, error)
	ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Sample, error)
	// Latest returns the newest history entry, or ErrNotFound when the
	// sample has none.
	Latest(ctx context.Context, sampleID uuid.UUID) (*HistoryEntry, error)
	AppendHistory(ctx context.Context, h *HistoryEntry) error
	History(ctx context.Context, sampleID uuid.UUID) ([]*HistoryEntry, error)
}

type repoSQL struct{ db db.Querier }

func NewRepository(database db.Querier) Repository {
	return &repoSQL{db: database}
}

func (r *repoSQL) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.db)
}

func (r *repoSQL) Lock(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM sample WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, db.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock sample %s: %w", id, err)
	}
	return nil
}

func (r *repoSQL) TreatmentExists(ctx context.Context, treatmentID uuid.UUID) (bool, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM treatment WHERE id = $1`, treatmentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check treatment %s: %w", treatmentID, err)
	}
	return n > 0, nil
}

func (r *repoSQL) Create(ctx context.Context, s *Sample) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sample (id, treatment_id, kind, label, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.TreatmentID, string(s.Kind), s.Label, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// sampleSelect derives the current state from the highest history position.
const sampleSelect = `
	SELECT s.id, s.treatment_id, s.kind, s.label, s.created_at,
		COALESCE((SELECT h.new_state FROM oocyte_state_history h
			WHERE h.sample_id = s.id ORDER BY h.position DESC LIMIT 1), '')
	FROM sample s`

func scanSample(row db.Row) (*Sample, error) {
	var s Sample
	var kind, state string
	if err := row.Scan(&s.ID, &s.TreatmentID, &kind, &s.Label, &s.CreatedAt, &state); err != nil {
		return nil, err
	}
	s.Kind = Kind(kind)
	s.State = transition.State(state)
	return &s, nil
}

func (r *repoSQL) Get(ctx context.Context, id uuid.UUID) (*Sample, error) {
	s, err := scanSample(r.conn(ctx).QueryRow(ctx, sampleSelect+` WHERE s.id = $1`, id))
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sample %s: %w", id, err)
	}
	return s, nil
}

func (r *repoSQL) ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Sample, error) {
	rows, err := r.conn(ctx).Query(ctx, sampleSelect+` WHERE s.treatment_id = $1 ORDER BY s.created_at, s.id`, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var items []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

const historyCols = `id, sample_id, position, previous_state, new_state, transition_date, cause`

func scanHistory(row db.Row) (*HistoryEntry, error) {
	var h HistoryEntry
	var prev *string
	var next string
	if err := row.Scan(&h.ID, &h.SampleID, &h.Position, &prev, &next, &h.TransitionDate, &h.Cause); err != nil {
		return nil, err
	}
	if prev != nil {
		p := transition.State(*prev)
		h.PreviousState = &p
	}
	h.NewState = transition.State(next)
	return &h, nil
}

func (r *repoSQL) Latest(ctx context.Context, sampleID uuid.UUID) (*HistoryEntry, error) {
	h, err := scanHistory(r.conn(ctx).QueryRow(ctx,
		`SELECT `+historyCols+` FROM oocyte_state_history WHERE sample_id = $1 ORDER BY position DESC LIMIT 1`,
		sampleID))
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest history for %s: %w", sampleID, err)
	}
	return h, nil
}

func (r *repoSQL) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	var prev *string
	if h.PreviousState != nil {
		p := string(*h.PreviousState)
		prev = &p
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO oocyte_state_history (id, sample_id, position, previous_state, new_state, transition_date, cause)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID, h.SampleID, h.Position, prev, string(h.NewState), h.TransitionDate, h.Cause)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (r *repoSQL) History(ctx context.Context, sampleID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+historyCols+` FROM oocyte_state_history WHERE sample_id = $1 ORDER BY transition_date, position`,
		sampleID)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", sampleID, err)
	}
	defer rows.Close()

	var items []*HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		items = append(items, h)
	}
	return items, rows.Err()
}
