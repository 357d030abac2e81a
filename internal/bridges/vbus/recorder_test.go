package vbus

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupRecorderDB creates a SQLite database with the vbus_headers table.
func setupRecorderDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "recorder.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS vbus_headers (
			header_key TEXT PRIMARY KEY,
			channel INTEGER NOT NULL,
			destination INTEGER NOT NULL,
			source INTEGER NOT NULL,
			protocol INTEGER NOT NULL,
			command INTEGER NOT NULL,
			payload BLOB,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			snapshot_count INTEGER NOT NULL DEFAULT 1
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func TestHeaderRecorder_StartStop(t *testing.T) {
	rec := NewHeaderRecorder(setupRecorderDB(t))

	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	rec.Stop()
	rec.Stop()
}

func TestHeaderRecorder_HandleSnapshot(t *testing.T) {
	rec := NewHeaderRecorder(setupRecorderDB(t))
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	first := Snapshot{Time: t0, Headers: []Header{
		header(keyA, t0, 0xD7, 0x00),
		header(keyB, t0.Add(-time.Second), 0x01),
	}}
	if err := rec.HandleSnapshot(ctx, first); err != nil {
		t.Fatalf("HandleSnapshot() error: %v", err)
	}

	t1 := t0.Add(10 * time.Second)
	second := Snapshot{Time: t1, Headers: []Header{header(keyA, t1, 0xD8, 0x00)}}
	if err := rec.HandleSnapshot(ctx, second); err != nil {
		t.Fatalf("HandleSnapshot() error: %v", err)
	}

	count, err := rec.HeaderCount(ctx)
	if err != nil {
		t.Fatalf("HeaderCount() error: %v", err)
	}
	if count != 2 {
		t.Errorf("HeaderCount() = %d, want 2", count)
	}

	rows, err := rec.RecordedHeaders(ctx)
	if err != nil {
		t.Fatalf("RecordedHeaders() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("RecordedHeaders() returned %d rows", len(rows))
	}

	a := rows[0]
	if a.Key != keyA.String() {
		t.Fatalf("most recent row = %s, want %s", a.Key, keyA)
	}
	if a.SnapshotCount != 2 {
		t.Errorf("snapshot_count = %d, want 2", a.SnapshotCount)
	}
	if a.Payload[0] != 0xD8 {
		t.Errorf("payload not updated: %v", a.Payload)
	}
	if !a.FirstSeen.Equal(t0) || !a.LastSeen.Equal(t1) {
		t.Errorf("first/last seen = %v / %v, want %v / %v", a.FirstSeen, a.LastSeen, t0, t1)
	}
	if rows[1].SnapshotCount != 1 {
		t.Errorf("%s snapshot_count = %d, want 1", rows[1].Key, rows[1].SnapshotCount)
	}
}

func TestHeaderRecorder_IgnoresWhenStopped(t *testing.T) {
	rec := NewHeaderRecorder(setupRecorderDB(t))
	ctx := context.Background()
	snap := Snapshot{Time: time.Now(), Headers: []Header{header(keyA, time.Now(), 1)}}

	// Not started yet.
	if err := rec.HandleSnapshot(ctx, snap); err != nil {
		t.Fatalf("HandleSnapshot() before Start error: %v", err)
	}

	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rec.Stop()

	if err := rec.HandleSnapshot(ctx, snap); err != nil {
		t.Fatalf("HandleSnapshot() after Stop error: %v", err)
	}

	count, err := rec.HeaderCount(ctx)
	if err != nil {
		t.Fatalf("HeaderCount() error: %v", err)
	}
	if count != 0 {
		t.Errorf("HeaderCount() = %d, want 0", count)
	}
}
