package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("threadstore: not found")
	// ErrSequenceConflict means the checkpoint is not the direct successor of the latest one.
	ErrSequenceConflict = errors.New("threadstore: checkpoint sequence conflict")
	ErrThreadExists     = errors.New("threadstore: thread already exists")
)

// Store is a local SQLite-backed checkpoint log. Each thread owns an append-only list of
// checkpoints; the threads table caches the head of that list for listing and sweeping.
//
// WAL is enabled so readers (CLI inspection, HTTP listing) never block the writer.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Thread is the head of a thread's checkpoint log.
type Thread struct {
	ThreadID                 string `json:"thread_id"`
	CreatedAtUnixMs          int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs          int64  `json:"updated_at_unix_ms"`
	LatestSequence           int64  `json:"latest_sequence"`
	LastReason               string `json:"last_reason"`
	PendingInterruptID       string `json:"pending_interrupt_id,omitempty"`
	InterruptExpiresAtUnixMs int64  `json:"interrupt_expires_at_unix_ms,omitempty"`
}

// CheckpointRecord is one persisted snapshot. StateJSON is opaque to the store.
type CheckpointRecord struct {
	ThreadID                 string `json:"thread_id"`
	Sequence                 int64  `json:"sequence"`
	Reason                   string `json:"reason"`
	StateJSON                []byte `json:"-"`
	PendingInterruptID       string `json:"pending_interrupt_id,omitempty"`
	InterruptExpiresAtUnixMs int64  `json:"interrupt_expires_at_unix_ms,omitempty"`
	CreatedAtUnixMs          int64  `json:"created_at_unix_ms"`
}

func (r CheckpointRecord) validate() error {
	if strings.TrimSpace(r.ThreadID) == "" {
		return errors.New("missing thread_id")
	}
	if r.Sequence < 0 {
		return fmt.Errorf("invalid sequence %d", r.Sequence)
	}
	if len(r.StateJSON) == 0 {
		return errors.New("missing state")
	}
	return nil
}

func nowUnixMs() int64 { return time.Now().UnixMilli() }

// CreateThread writes the thread row and its sequence-0 checkpoint atomically.
func (s *Store) CreateThread(ctx context.Context, initial CheckpointRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if err := initial.validate(); err != nil {
		return err
	}
	if initial.Sequence != 0 {
		return fmt.Errorf("%w: initial checkpoint must be sequence 0", ErrSequenceConflict)
	}
	if initial.CreatedAtUnixMs <= 0 {
		initial.CreatedAtUnixMs = nowUnixMs()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM threads WHERE thread_id = ?`, initial.ThreadID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrThreadExists
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads(
  thread_id, created_at_unix_ms, updated_at_unix_ms, latest_sequence, last_reason,
  pending_interrupt_id, interrupt_expires_at_unix_ms
) VALUES(?, ?, ?, 0, ?, ?, ?)
`, initial.ThreadID, initial.CreatedAtUnixMs, initial.CreatedAtUnixMs, initial.Reason,
		initial.PendingInterruptID, initial.InterruptExpiresAtUnixMs); err != nil {
		return err
	}
	if err := insertCheckpoint(ctx, tx, initial); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveCheckpoint appends rec. It must directly follow the thread's latest checkpoint;
// anything else returns ErrSequenceConflict and leaves the log untouched.
func (s *Store) SaveCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.CreatedAtUnixMs <= 0 {
		rec.CreatedAtUnixMs = nowUnixMs()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	err = tx.QueryRowContext(ctx, `SELECT latest_sequence FROM threads WHERE thread_id = ?`, rec.ThreadID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if rec.Sequence != latest+1 {
		return fmt.Errorf("%w: latest %d, got %d", ErrSequenceConflict, latest, rec.Sequence)
	}
	if err := insertCheckpoint(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET updated_at_unix_ms = ?, latest_sequence = ?, last_reason = ?,
    pending_interrupt_id = ?, interrupt_expires_at_unix_ms = ?
WHERE thread_id = ?
`, rec.CreatedAtUnixMs, rec.Sequence, rec.Reason, rec.PendingInterruptID, rec.InterruptExpiresAtUnixMs, rec.ThreadID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertCheckpoint(ctx context.Context, tx *sql.Tx, rec CheckpointRecord) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(
  thread_id, sequence, reason, state_json, pending_interrupt_id,
  interrupt_expires_at_unix_ms, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?)
`, rec.ThreadID, rec.Sequence, rec.Reason, string(rec.StateJSON), rec.PendingInterruptID,
		rec.InterruptExpiresAtUnixMs, rec.CreatedAtUnixMs)
	return err
}

const checkpointColumns = `thread_id, sequence, reason, state_json, pending_interrupt_id, interrupt_expires_at_unix_ms, created_at_unix_ms`

func scanCheckpoint(row interface{ Scan(...any) error }) (CheckpointRecord, error) {
	var rec CheckpointRecord
	var state string
	if err := row.Scan(&rec.ThreadID, &rec.Sequence, &rec.Reason, &state, &rec.PendingInterruptID,
		&rec.InterruptExpiresAtUnixMs, &rec.CreatedAtUnixMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CheckpointRecord{}, ErrNotFound
		}
		return CheckpointRecord{}, err
	}
	rec.StateJSON = []byte(state)
	return rec, nil
}

// LoadLatest returns the newest checkpoint of a thread.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return CheckpointRecord{}, errors.New("store not initialized")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+checkpointColumns+`
FROM checkpoints
WHERE thread_id = ?
ORDER BY sequence DESC
LIMIT 1
`, strings.TrimSpace(threadID))
	return scanCheckpoint(row)
}

func (s *Store) LoadCheckpoint(ctx context.Context, threadID string, sequence int64) (CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return CheckpointRecord{}, errors.New("store not initialized")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+checkpointColumns+`
FROM checkpoints
WHERE thread_id = ? AND sequence = ?
`, strings.TrimSpace(threadID), sequence)
	return scanCheckpoint(row)
}

// ListCheckpoints returns checkpoint metadata in sequence order. StateJSON is left empty.
func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, sequence, reason, pending_interrupt_id, interrupt_expires_at_unix_ms, created_at_unix_ms
FROM checkpoints
WHERE thread_id = ?
ORDER BY sequence ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var rec CheckpointRecord
		if err := rows.Scan(&rec.ThreadID, &rec.Sequence, &rec.Reason, &rec.PendingInterruptID,
			&rec.InterruptExpiresAtUnixMs, &rec.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

const threadColumns = `thread_id, created_at_unix_ms, updated_at_unix_ms, latest_sequence, last_reason, pending_interrupt_id, interrupt_expires_at_unix_ms`

func scanThread(row interface{ Scan(...any) error }) (Thread, error) {
	var t Thread
	err := row.Scan(&t.ThreadID, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs, &t.LatestSequence, &t.LastReason,
		&t.PendingInterruptID, &t.InterruptExpiresAtUnixMs)
	return t, err
}

func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	if s == nil || s.db == nil {
		return Thread{}, errors.New("store not initialized")
	}
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE thread_id = ?`, strings.TrimSpace(threadID)))
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	return t, err
}

// ListThreads returns the most recently updated threads first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.queryThreads(ctx, `
SELECT `+threadColumns+`
FROM threads
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, limit)
}

// ListPendingInterrupts returns threads suspended on an interrupt, oldest deadline first.
func (s *Store) ListPendingInterrupts(ctx context.Context) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryThreads(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE pending_interrupt_id <> ''
ORDER BY interrupt_expires_at_unix_ms ASC, thread_id ASC
`)
}

func (s *Store) queryThreads(ctx context.Context, q string, args ...any) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteThread removes a thread and its whole checkpoint log.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  latest_sequence INTEGER NOT NULL DEFAULT 0,
  last_reason TEXT NOT NULL DEFAULT '',
  pending_interrupt_id TEXT NOT NULL DEFAULT '',
  interrupt_expires_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
  thread_id TEXT NOT NULL,
  sequence INTEGER NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  state_json TEXT NOT NULL,
  pending_interrupt_id TEXT NOT NULL DEFAULT '',
  interrupt_expires_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(thread_id, sequence)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
