package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicflow/engine/internal/platform/blobstore"
)

// ExportContentType is the media type of archived audit windows.
const ExportContentType = "application/x-ndjson"

const exportPageSize = 1000

// ExportResult describes one archived window.
type ExportResult struct {
	Object  *blobstore.Object
	Entries int
}

// Exporter archives windows of the audit trail to a blob store as NDJSON.
// It only reads audit_log; rows are never removed.
type Exporter struct {
	repo     Repository
	store    blobstore.Store
	logger   zerolog.Logger
	pageSize int
	now      func() time.Time
}

func NewExporter(repo Repository, store blobstore.Store, logger zerolog.Logger) *Exporter {
	return &Exporter{repo: repo, store: store, logger: logger, pageSize: exportPageSize, now: time.Now}
}

// ExportKey is the object key for the window [from, to).
func ExportKey(from, to time.Time) string {
	const layout = "20060102T150405Z"
	return fmt.Sprintf("audit/%s_%s.ndjson", from.UTC().Format(layout), to.UTC().Format(layout))
}

// Export writes every entry with from <= modification_timestamp < to, one
// JSON object per line ordered by (modification_timestamp, id). The window
// must already be closed. Pages are read by keyset so entries committed
// during the export never shift or repeat a page. Objects are write-once:
// exporting the same window twice fails with blobstore.ErrAlreadyExists.
func (x *Exporter) Export(ctx context.Context, from, to time.Time) (*ExportResult, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("export window: from %s must be before to %s: %w",
			from.Format(time.RFC3339), to.Format(time.RFC3339), ErrInvalidWindow)
	}
	if to.After(x.now()) {
		return nil, fmt.Errorf("export window: to %s is in the future: %w",
			to.Format(time.RFC3339), ErrInvalidWindow)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	f := Filter{Since: &from, Until: &to}

	count := 0
	var after *Cursor
	for {
		page, err := x.repo.ListAfter(ctx, f, after, x.pageSize)
		if err != nil {
			return nil, fmt.Errorf("export audit page after entry %d: %w", count, err)
		}
		for _, e := range page {
			if err := enc.Encode(e); err != nil {
				return nil, fmt.Errorf("encode audit entry %d: %w", e.ID, err)
			}
		}
		count += len(page)
		if len(page) < x.pageSize {
			break
		}
		after = CursorOf(page[len(page)-1])
	}

	key := ExportKey(from, to)
	obj, err := x.store.Put(ctx, key, ExportContentType, &buf)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}

	x.logger.Info().
		Str("key", key).
		Int("entries", count).
		Int64("bytes", obj.Size).
		Msg("audit window exported")

	return &ExportResult{Object: obj, Entries: count}, nil
}
