// Package audit records and serves the field-level audit trail. Every
// mutating engine operation hands the recorder an explicit actor and an
// explicit diff inside its own transaction.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clinicflow/engine/internal/platform/db"
)

// Recorder appends audit_log rows inside the caller's transaction.
type Recorder struct {
	now func() time.Time
}

// NewRecorder returns a Recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// WithClock replaces the clock, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record writes one row per changed field. Unchanged fields are skipped.
// ctx must carry the transaction of the mutation being documented; the
// rows commit or roll back with it. A blank actorID fails with
// *UnattributedWriteError before anything is written.
func (r *Recorder) Record(ctx context.Context, table, recordID, actorID string, changes []FieldChange) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("audit %s/%s: %w", table, recordID, db.ErrNoTransaction)
	}
	if err := RequireActor(table, recordID, actorID); err != nil {
		return err
	}

	at := r.now().UTC().Truncate(time.Microsecond)
	for _, ch := range changes {
		if !ch.Changed() {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO audit_log (table_name, record_id, modified_field, old_value, new_value,
				modified_by_user_id, modification_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			table, recordID, ch.Field, ch.OldValue, ch.NewValue, actorID, at)
		if err != nil {
			return fmt.Errorf("audit %s/%s field %s: %w", table, recordID, ch.Field, err)
		}
	}
	return nil
}

// CountChanged returns how many of changes would produce a row.
func CountChanged(changes []FieldChange) int {
	n := 0
	for _, ch := range changes {
		if ch.Changed() {
			n++
		}
	}
	return n
}

// RequireActor fails with *UnattributedWriteError when actorID is blank.
// Mutations call it before reading anything so that no-op paths are
// rejected too.
func RequireActor(table, recordID, actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return &UnattributedWriteError{Table: table, RecordID: recordID}
	}
	return nil
}
