package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BlobKind values written by the trace recorder.
const (
	KindTask  = "task"
	KindTrace = "trace"
)

// BlobRecord is one ledger row.
type BlobRecord struct {
	TaskID   string    `json:"taskId"`
	Kind     string    `json:"kind"`
	BlobID   string    `json:"blobId"`
	StoredAt time.Time `json:"storedAt"`
}

// RecordBlob appends a ledger row. Recording the same (task, kind, blob)
// twice is a no-op.
func (s *Store) RecordBlob(ctx context.Context, taskID, kind, blobID string, storedAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	taskID = strings.TrimSpace(taskID)
	blobID = strings.TrimSpace(blobID)
	if blobID == "" {
		return fmt.Errorf("record blob: blob id required")
	}
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO blobs (task_id, kind, blob_id, stored_at) VALUES (?, ?, ?, ?)`,
		taskID, kind, blobID, storedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record blob: %w", err)
	}
	return nil
}

// ListBlobs returns the most recent ledger rows, newest first. limit <= 0
// means 50.
func (s *Store) ListBlobs(ctx context.Context, limit int) ([]BlobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queryBlobs(ctx,
		`SELECT task_id, kind, blob_id, stored_at FROM blobs ORDER BY stored_at DESC, id DESC LIMIT ?`,
		limit,
	)
}

// BlobsForTask returns every row for taskID in the order they were stored.
func (s *Store) BlobsForTask(ctx context.Context, taskID string) ([]BlobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.queryBlobs(ctx,
		`SELECT task_id, kind, blob_id, stored_at FROM blobs WHERE task_id = ? ORDER BY stored_at, id`,
		strings.TrimSpace(taskID),
	)
}

// LatestBlob returns the newest blob of kind for taskID, or nil when none.
func (s *Store) LatestBlob(ctx context.Context, taskID, kind string) (*BlobRecord, error) {
	records, err := s.BlobsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == kind {
			rec := records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *Store) queryBlobs(ctx context.Context, query string, args ...any) ([]BlobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query blobs: %w", err)
	}
	defer rows.Close()

	var out []BlobRecord
	for rows.Next() {
		var rec BlobRecord
		if err := rows.Scan(&rec.TaskID, &rec.Kind, &rec.BlobID, &rec.StoredAt); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
