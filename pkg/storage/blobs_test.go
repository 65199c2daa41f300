package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordBlobAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.RecordBlob(ctx, "task-1", KindTask, "blob-a", base); err != nil {
		t.Fatalf("record task: %v", err)
	}
	if err := store.RecordBlob(ctx, "task-1", KindTrace, "blob-b", base.Add(time.Second)); err != nil {
		t.Fatalf("record trace: %v", err)
	}
	if err := store.RecordBlob(ctx, "task-2", KindTrace, "blob-c", base.Add(2*time.Second)); err != nil {
		t.Fatalf("record other: %v", err)
	}

	records, err := store.BlobsForTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("blobs for task: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].BlobID != "blob-a" || records[1].BlobID != "blob-b" {
		t.Errorf("unexpected order: %+v", records)
	}
	if !records[0].StoredAt.Equal(base) {
		t.Errorf("stored_at = %v, want %v", records[0].StoredAt, base)
	}

	latest, err := store.LatestBlob(ctx, "task-1", KindTrace)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.BlobID != "blob-b" {
		t.Errorf("latest trace = %+v, want blob-b", latest)
	}

	missing, err := store.LatestBlob(ctx, "task-404", KindTrace)
	if err != nil {
		t.Fatalf("latest missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown task, got %+v", missing)
	}
}

func TestListBlobsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"b1", "b2", "b3"} {
		if err := store.RecordBlob(ctx, "task", KindTrace, id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	records, err := store.ListBlobs(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].BlobID != "b3" || records[1].BlobID != "b2" {
		t.Errorf("unexpected order: %+v", records)
	}
}

func TestRecordBlobIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		if err := store.RecordBlob(ctx, "task", KindTrace, "same", now); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	records, err := store.BlobsForTask(ctx, "task")
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
}

func TestRecordBlobRequiresID(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordBlob(context.Background(), "task", KindTrace, "  ", time.Now()); err == nil {
		t.Fatal("expected error for empty blob id")
	}
}

func TestNilStoreReturnsClosed(t *testing.T) {
	var store *Store
	if err := store.RecordBlob(context.Background(), "t", KindTrace, "b", time.Now()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.ListBlobs(context.Background(), 0); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestOnDiskStoreIsPrivateAndMigrated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "ledger.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer store.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("expected private permissions, got %o", perm)
	}

	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}

	// Reopening must not reapply migrations.
	_ = store.Close()
	again, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if v, _ := again.SchemaVersion(); v != len(migrations) {
		t.Errorf("schema version after reopen = %d", v)
	}
}

func TestSQLiteFilePathFromDSN(t *testing.T) {
	tests := []struct {
		dsn    string
		path   string
		onDisk bool
	}{
		{":memory:", "", false},
		{"", "", false},
		{"file::memory:?cache=shared", "", false},
		{"/tmp/ledger.db", "/tmp/ledger.db", true},
		{"file:/tmp/ledger.db?_pragma=busy_timeout(5000)", "/tmp/ledger.db", true},
		{"http://example.com/db", "", false},
	}
	for _, tt := range tests {
		path, onDisk := sqliteFilePathFromDSN(tt.dsn)
		if path != tt.path || onDisk != tt.onDisk {
			t.Errorf("sqliteFilePathFromDSN(%q) = (%q, %v), want (%q, %v)", tt.dsn, path, onDisk, tt.path, tt.onDisk)
		}
	}
}
