package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/engine/internal/domain/transition"
	"github.com/clinicflow/engine/internal/platform/db"
)

// Repository persists monitoring plans.
type Repository interface {
	// LockTreatment takes the per-treatment lock that serializes sequence
	// assignment.
	LockTreatment(ctx context.Context, treatmentID uuid.UUID) error
	MaxSequence(ctx context.Context, treatmentID uuid.UUID) (int, error)
	Create(ctx context.Context, p *Plan) error
	// Lock reads the plan and holds its row lock for the rest of the
	// transaction.
	Lock(ctx context.Context, id uuid.UUID) (*Plan, error)
	Get(ctx context.Context, id uuid.UUID) (*Plan, error)
	Update(ctx context.Context, p *Plan) error
	FindByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Plan, error)
	ListByTreatment(ctx context.Context, treatmentID uuid.UUID, includeCancelled bool) ([]*Plan, error)
}

type repoSQL struct{ db db.Querier }

func NewRepository(database db.Querier) Repository {
	return &repoSQL{db: database}
}

func (r *repoSQL) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.db)
}

const planCols = `id, treatment_id, sequence, planned_day, min_date, max_date, status,
	appointment_id, reserved_at, completed_at, cancelled_at, deleted_at, created_at`

func scanPlan(row db.Row) (*Plan, error) {
	var p Plan
	var status string
	err := row.Scan(&p.ID, &p.TreatmentID, &p.Sequence, &p.PlannedDay, &p.MinDate, &p.MaxDate, &status,
		&p.AppointmentID, &p.ReservedAt, &p.CompletedAt, &p.CancelledAt, &p.DeletedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = transition.State(status)
	p.MinDate = transition.CivilDate(p.MinDate)
	p.MaxDate = transition.CivilDate(p.MaxDate)
	return &p, nil
}

func (r *repoSQL) LockTreatment(ctx context.Context, treatmentID uuid.UUID) error {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM treatment WHERE id = $1 FOR UPDATE`, treatmentID).Scan(&id)
	if errors.Is(err, db.ErrNoRows) {
		return ErrTreatmentNotFound
	}
	if err != nil {
		return fmt.Errorf("lock treatment %s: %w", treatmentID, err)
	}
	return nil
}

func (r *repoSQL) MaxSequence(ctx context.Context, treatmentID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM treatment_monitoring_plan WHERE treatment_id = $1`,
		treatmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max sequence for %s: %w", treatmentID, err)
	}
	return n, nil
}

func (r *repoSQL) Create(ctx context.Context, p *Plan) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment_monitoring_plan (id, treatment_id, sequence, planned_day, min_date, max_date,
			status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.TreatmentID, p.Sequence, p.PlannedDay, p.MinDate, p.MaxDate, string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert monitoring plan: %w", err)
	}
	return nil
}

func (r *repoSQL) Lock(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return r.getOne(ctx, `SELECT `+planCols+` FROM treatment_monitoring_plan WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoSQL) Get(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return r.getOne(ctx, `SELECT `+planCols+` FROM treatment_monitoring_plan WHERE id = $1`, id)
}

func (r *repoSQL) FindByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Plan, error) {
	return r.getOne(ctx, `SELECT `+planCols+` FROM treatment_monitoring_plan WHERE appointment_id = $1`, appointmentID)
}

func (r *repoSQL) getOne(ctx context.Context, query string, arg any) (*Plan, error) {
	p, err := scanPlan(r.conn(ctx).QueryRow(ctx, query, arg))
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get monitoring plan: %w", err)
	}
	return p, nil
}

func (r *repoSQL) Update(ctx context.Context, p *Plan) error {
	n, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment_monitoring_plan
		SET status = $2, appointment_id = $3, reserved_at = $4, completed_at = $5,
			cancelled_at = $6, deleted_at = $7
		WHERE id = $1`,
		p.ID, string(p.Status), p.AppointmentID, p.ReservedAt, p.CompletedAt, p.CancelledAt, p.DeletedAt)
	if err != nil {
		return fmt.Errorf("update monitoring plan %s: %w", p.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoSQL) ListByTreatment(ctx context.Context, treatmentID uuid.UUID, includeCancelled bool) ([]*Plan, error) {
	query := `SELECT ` + planCols + ` FROM treatment_monitoring_plan WHERE treatment_id = $1`
	if !includeCancelled {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY sequence`

	rows, err := r.conn(ctx).Query(ctx, query, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("list monitoring plans: %w", err)
	}
	defer rows.Close()

	var items []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitoring plan: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// AppointmentLookup resolves the appointment a plan is being bound to.
type AppointmentLookup interface {
	Lookup(ctx context.Context, appointmentID uuid.UUID) (*AppointmentBinding, error)
}

type appointmentLookupSQL struct {
	db  db.Querier
	loc *time.Location
}

// NewAppointmentLookup reads the appointment table. Start times are
// converted to loc before the calendar date is taken.
func NewAppointmentLookup(database db.Querier, loc *time.Location) AppointmentLookup {
	if loc == nil {
		loc = time.UTC
	}
	return &appointmentLookupSQL{db: database, loc: loc}
}

func (l *appointmentLookupSQL) Lookup(ctx context.Context, appointmentID uuid.UUID) (*AppointmentBinding, error) {
	var b AppointmentBinding
	var start time.Time
	err := db.ConnFromContext(ctx, l.db).QueryRow(ctx,
		`SELECT id, start_time FROM appointment WHERE id = $1`, appointmentID).Scan(&b.ID, &start)
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup appointment %s: %w", appointmentID, err)
	}
	b.Date = start.In(l.loc)
	return &b, nil
}
