package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/engine/internal/platform/db"
)

// Sources reads the treatment events owned by neighbouring subsystems.
type Sources interface {
	TreatmentCreated(ctx context.Context, treatmentID uuid.UUID) (*Item, error)
	StatusChanges(ctx context.Context, treatmentID uuid.UUID) ([]Item, error)
	DoctorNotes(ctx context.Context, treatmentID uuid.UUID) ([]Item, error)
	MedicationMilestones(ctx context.Context, treatmentID uuid.UUID) ([]Item, error)
	MedicalOrders(ctx context.Context, treatmentID uuid.UUID) ([]Item, error)
}

type sourcesSQL struct{ db db.Querier }

func NewSources(database db.Querier) Sources {
	return &sourcesSQL{db: database}
}

func (s *sourcesSQL) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, s.db)
}

func (s *sourcesSQL) TreatmentCreated(ctx context.Context, treatmentID uuid.UUID) (*Item, error) {
	var status string
	var createdAt time.Time
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT status, created_at FROM treatment WHERE id = $1`, treatmentID).Scan(&status, &createdAt)
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get treatment %s: %w", treatmentID, err)
	}
	return &Item{
		Type:     TypeTreatmentCreated,
		Date:     createdAt,
		SourceID: treatmentID.String(),
		Summary:  "Treatment created",
		Details:  map[string]string{"status": status},
	}, nil
}

// collect runs query and turns each row into an Item with build.
func (s *sourcesSQL) collect(ctx context.Context, what, query string, treatmentID uuid.UUID,
	build func(row db.Row) (Item, error)) ([]Item, error) {
	rows, err := s.conn(ctx).Query(ctx, query, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := build(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

func (s *sourcesSQL) StatusChanges(ctx context.Context, treatmentID uuid.UUID) ([]Item, error) {
	return s.collect(ctx, "treatment status history", `
		SELECT id, from_status, to_status, changed_at FROM treatment_status_history
		WHERE treatment_id = $1 ORDER BY changed_at`, treatmentID,
		func(row db.Row) (Item, error) {
			var id uuid.UUID
			var from *string
			var to string
			var at time.Time
			if err := row.Scan(&id, &from, &to, &at); err != nil {
				return Item{}, err
			}
			details := map[string]string{"to_status": to}
			if from != nil {
				details["from_status"] = *from
			}
			return Item{Type: TypeTreatmentStatus, Date: at, SourceID: id.String(),
				Summary: "Treatment status changed to " + to, Details: details}, nil
		})
}

func (s *sourcesSQL) DoctorNotes(ctx context.Context, treatmentID uuid.UUID) ([]Item, error) {
	return s.collect(ctx, "doctor notes", `
		SELECT id, author_id, body, created_at FROM doctor_note
		WHERE treatment_id = $1 ORDER BY created_at`, treatmentID,
		func(row db.Row) (Item, error) {
			var id uuid.UUID
			var author, body string
			var at time.Time
			if err := row.Scan(&id, &author, &body, &at); err != nil {
				return Item{}, err
			}
			return Item{Type: TypeDoctorNote, Date: at, SourceID: id.String(),
				Summary: body, Details: map[string]string{"author_id": author}}, nil
		})
}

func (s *sourcesSQL) MedicationMilestones(ctx context.Context, treatmentID uuid.UUID) ([]Item, error) {
	return s.collect(ctx, "medication milestones", `
		SELECT id, medication, milestone, occurred_at FROM medication_milestone
		WHERE treatment_id = $1 ORDER BY occurred_at`, treatmentID,
		func(row db.Row) (Item, error) {
			var id uuid.UUID
			var medication, milestone string
			var at time.Time
			if err := row.Scan(&id, &medication, &milestone, &at); err != nil {
				return Item{}, err
			}
			return Item{Type: TypeMedicationMilestone, Date: at, SourceID: id.String(),
				Summary: medication + ": " + milestone,
				Details: map[string]string{"medication": medication, "milestone": milestone}}, nil
		})
}

func (s *sourcesSQL) MedicalOrders(ctx context.Context, treatmentID uuid.UUID) ([]Item, error) {
	return s.collect(ctx, "medical orders", `
		SELECT id, code, description, ordered_at FROM medical_order
		WHERE treatment_id = $1 ORDER BY ordered_at`, treatmentID,
		func(row db.Row) (Item, error) {
			var id uuid.UUID
			var code string
			var description *string
			var at time.Time
			if err := row.Scan(&id, &code, &description, &at); err != nil {
				return Item{}, err
			}
			summary := "Medical order " + code
			if description != nil && *description != "" {
				summary = *description
			}
			return Item{Type: TypeMedicalOrder, Date: at, SourceID: id.String(),
				Summary: summary, Details: map[string]string{"code": code}}, nil
		})
}
