package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/clinicflow/engine/internal/platform/db"
)

// Repository is the read side of the audit trail.
type Repository interface {
	// History returns every entry for a record in the order it was written.
	History(ctx context.Context, table, recordID string) ([]*Entry, error)
	// FieldHistory narrows History to one field.
	FieldHistory(ctx context.Context, table, recordID, field string) ([]*Entry, error)
	// List returns one page of entries matching f and the total match count.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	// ListAfter returns up to limit entries matching f that sort strictly
	// after the cursor, or from the start when after is nil.
	ListAfter(ctx context.Context, f Filter, after *Cursor, limit int) ([]*Entry, error)
	GetByID(ctx context.Context, id int64) (*Entry, error)
}

type repoSQL struct{ db db.Querier }

// NewRepository returns a Repository reading through database, or through
// the transaction carried by the call context when there is one.
func NewRepository(database db.Querier) Repository {
	return &repoSQL{db: database}
}

func (r *repoSQL) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.db)
}

const entryCols = `id, table_name, record_id, modified_field, old_value, new_value,
	modified_by_user_id, modification_timestamp`

func scanEntry(row db.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TableName, &e.RecordID, &e.ModifiedField, &e.OldValue, &e.NewValue,
		&e.ModifiedByUserID, &e.ModificationTimestamp)
	return &e, err
}

func (r *repoSQL) GetByID(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM audit_log WHERE id = $1`, id))
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", id, err)
	}
	return e, nil
}

func (r *repoSQL) History(ctx context.Context, table, recordID string) ([]*Entry, error) {
	items, _, err := r.list(ctx, Filter{Table: table, RecordID: recordID}, 0, 0, false)
	return items, err
}

func (r *repoSQL) FieldHistory(ctx context.Context, table, recordID, field string) ([]*Entry, error) {
	items, _, err := r.list(ctx, Filter{Table: table, RecordID: recordID, Field: field}, 0, 0, false)
	return items, err
}

func (r *repoSQL) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return r.list(ctx, f, limit, offset, true)
}

func (r *repoSQL) ListAfter(ctx context.Context, f Filter, after *Cursor, limit int) ([]*Entry, error) {
	where, args := f.where()
	if after != nil {
		args = append(args, after.At.UTC(), after.ID)
		ts, id := "$"+strconv.Itoa(len(args)-1), "$"+strconv.Itoa(len(args))
		keyset := "(modification_timestamp > " + ts + " OR (modification_timestamp = " + ts + " AND id > " + id + "))"
		if where == "" {
			where = " WHERE " + keyset
		} else {
			where += " AND " + keyset
		}
	}
	args = append(args, limit)
	query := `SELECT ` + entryCols + ` FROM audit_log` + where +
		` ORDER BY modification_timestamp, id LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return items, nil
}

func (r *repoSQL) list(ctx context.Context, f Filter, limit, offset int, withTotal bool) ([]*Entry, int, error) {
	where, args := f.where()

	total := 0
	if withTotal {
		if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count audit entries: %w", err)
		}
	}

	query := `SELECT ` + entryCols + ` FROM audit_log` + where +
		` ORDER BY modification_timestamp, id`
	if limit > 0 {
		args = append(args, limit, offset)
		query += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit entries: %w", err)
	}
	if !withTotal {
		total = len(items)
	}
	return items, total, nil
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Table != "" {
		add("table_name = $%d", f.Table)
	}
	if f.RecordID != "" {
		add("record_id = $%d", f.RecordID)
	}
	if f.Field != "" {
		add("modified_field = $%d", f.Field)
	}
	if f.Since != nil {
		add("modification_timestamp >= $%d", f.Since.UTC())
	}
	if f.Until != nil {
		add("modification_timestamp < $%d", f.Until.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
