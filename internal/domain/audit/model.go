package audit

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no audit entry matches a lookup.
var ErrNotFound = errors.New("audit entry not found")

// ErrInvalidWindow is returned for an empty, inverted or still open export
// window.
var ErrInvalidWindow = errors.New("invalid audit window")

// FieldChange is one field's old and new value as stored in audit_log.
// A nil pointer is SQL NULL.
type FieldChange struct {
	Field    string
	OldValue *string
	NewValue *string
}

// Changed reports whether the change actually alters the stored value.
func (f FieldChange) Changed() bool {
	if f.OldValue == nil || f.NewValue == nil {
		return f.OldValue != f.NewValue
	}
	return *f.OldValue != *f.NewValue
}

// Change builds a FieldChange from two values rendered with Value.
func Change(field string, oldValue, newValue any) FieldChange {
	return FieldChange{Field: field, OldValue: Value(oldValue), NewValue: Value(newValue)}
}

// Value renders v in the text form audit_log stores. Nil and nil pointers
// become NULL; times are RFC 3339 in UTC.
func Value(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case *string:
		if x == nil {
			return nil
		}
		s = *x
	case string:
		s = x
	case *uuid.UUID:
		if x == nil {
			return nil
		}
		s = x.String()
	case time.Time:
		s = x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return nil
		}
		s = x.UTC().Format(time.RFC3339Nano)
	case int:
		s = strconv.Itoa(x)
	case *int:
		if x == nil {
			return nil
		}
		s = strconv.Itoa(*x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	return &s
}

// Entry is one immutable audit_log row.
type Entry struct {
	ID                    int64     `json:"id"`
	TableName             string    `json:"table_name"`
	RecordID              string    `json:"record_id"`
	ModifiedField         string    `json:"modified_field"`
	OldValue              *string   `json:"old_value"`
	NewValue              *string   `json:"new_value"`
	ModifiedByUserID      string    `json:"modified_by_user_id"`
	ModificationTimestamp time.Time `json:"modification_timestamp"`
}

// Filter narrows List. Zero fields match everything; Since is inclusive and
// Until exclusive.
type Filter struct {
	Table    string
	RecordID string
	Field    string
	Since    *time.Time
	Until    *time.Time
}

// Cursor is the sort key (modification_timestamp, id) of the last entry a
// reader has seen.
type Cursor struct {
	At time.Time
	ID int64
}

// CursorOf returns the cursor positioned at e.
func CursorOf(e *Entry) *Cursor {
	return &Cursor{At: e.ModificationTimestamp, ID: e.ID}
}

// UnattributedWriteError is returned when a mutation reaches the recorder
// without an actor id. It aborts the enclosing transaction.
type UnattributedWriteError struct {
	Table    string
	RecordID string
}

func (e *UnattributedWriteError) Error() string {
	return fmt.Sprintf("unattributed write to %s/%s: actor id is required", e.Table, e.RecordID)
}
