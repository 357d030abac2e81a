package vbus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// RecordedHeader is a header row persisted by the HeaderRecorder.
type RecordedHeader struct {
	Key           string    `json:"key"`
	Payload       []byte    `json:"payload"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	SnapshotCount int64     `json:"snapshot_count"`
}

// HeaderRecorder persists the latest header per key from each snapshot it
// receives. It is registered as a listener on the logging-interval
// consolidator, so the table mirrors what was on the bus at each tick.
//
// The database must have the vbus_headers table created.
//
// Thread Safety: All methods are safe for concurrent use.
type HeaderRecorder struct {
	db     *sql.DB
	logger Logger

	// Prepared upsert (created once, reused)
	upsertStmt *sql.Stmt
	stmtMu     sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// NewHeaderRecorder creates a recorder backed by db.
func NewHeaderRecorder(db *sql.DB) *HeaderRecorder {
	return &HeaderRecorder{db: db}
}

// SetLogger sets the logger for the recorder.
func (r *HeaderRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use.
// Must be called before HandleSnapshot.
func (r *HeaderRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil
	}

	stmt, err := r.db.Prepare(`
		INSERT INTO vbus_headers (
			header_key, channel, destination, source, protocol, command,
			payload, first_seen, last_seen, snapshot_count
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(header_key) DO UPDATE SET
			payload = excluded.payload,
			last_seen = excluded.last_seen,
			snapshot_count = snapshot_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing header upsert statement: %w", err)
	}

	r.upsertStmt = stmt

	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()

	r.log("header recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *HeaderRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		r.upsertStmt.Close()
		r.upsertStmt = nil
		r.log("header recorder stopped")
	}
}

// HandleSnapshot upserts every header in the snapshot in one transaction.
func (r *HeaderRecorder) HandleSnapshot(ctx context.Context, snap Snapshot) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed || snap.Len() == 0 {
		return nil
	}

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()
	if r.upsertStmt == nil {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning header transaction: %w", err)
	}
	stmt := tx.StmtContext(ctx, r.upsertStmt)

	for _, h := range snap.Headers {
		seen := h.Timestamp.UnixMilli()
		_, err := stmt.ExecContext(ctx,
			h.Key.String(), h.Key.Channel, h.Key.Destination, h.Key.Source,
			h.Key.Protocol, h.Key.Command, h.Payload, seen, seen)
		if err != nil {
			tx.Rollback() //nolint:errcheck // the exec error is what matters
			return fmt.Errorf("recording header %s: %w", h.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing headers: %w", err)
	}
	return nil
}

// HeaderCount returns the number of recorded header keys.
func (r *HeaderRecorder) HeaderCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vbus_headers`).Scan(&count)
	return count, err
}

// RecordedHeaders returns every recorded header, most recently seen first.
func (r *HeaderRecorder) RecordedHeaders(ctx context.Context) ([]RecordedHeader, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT header_key, payload, first_seen, last_seen, snapshot_count
		FROM vbus_headers
		ORDER BY last_seen DESC, header_key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordedHeader
	for rows.Next() {
		var (
			rec             RecordedHeader
			first, lastSeen int64
		)
		if err := rows.Scan(&rec.Key, &rec.Payload, &first, &lastSeen, &rec.SnapshotCount); err != nil {
			return nil, err
		}
		rec.FirstSeen = time.UnixMilli(first).UTC()
		rec.LastSeen = time.UnixMilli(lastSeen).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *HeaderRecorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}
