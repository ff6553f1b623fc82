// Package pgstore is the PostgreSQL checkpoint store, for deployments where several
// processes share one thread log.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floegence/sqlagent/internal/ai/threadstore"
	"github.com/floegence/sqlagent/internal/ai/threadstore/pgstore/migrations"
)

// Store implements the same contract as threadstore.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to dsn and applies pending migrations.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping pool: %w", err)
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.RunMigrations(ctx, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// RunMigrations executes unapplied .sql files from migrationsFS in name order, recording each
// in schema_migrations so it runs at most once.
func (s *Store) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("pgstore: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("pgstore: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("pgstore: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("pgstore: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("pgstore: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name); err != nil {
			return fmt.Errorf("pgstore: record migration %s: %w", name, err)
		}
	}
	return nil
}

func nowUnixMs() int64 { return time.Now().UnixMilli() }

func validate(rec threadstore.CheckpointRecord) error {
	if strings.TrimSpace(rec.ThreadID) == "" {
		return errors.New("missing thread_id")
	}
	if len(rec.StateJSON) == 0 {
		return errors.New("missing state")
	}
	return nil
}

func (s *Store) CreateThread(ctx context.Context, initial threadstore.CheckpointRecord) error {
	if err := validate(initial); err != nil {
		return err
	}
	if initial.Sequence != 0 {
		return fmt.Errorf("%w: initial checkpoint must be sequence 0", threadstore.ErrSequenceConflict)
	}
	if initial.CreatedAtUnixMs <= 0 {
		initial.CreatedAtUnixMs = nowUnixMs()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO threads (thread_id, created_at_unix_ms, updated_at_unix_ms, latest_sequence, last_reason,
                     pending_interrupt_id, interrupt_expires_at_unix_ms)
VALUES ($1, $2, $2, 0, $3, $4, $5)
ON CONFLICT (thread_id) DO NOTHING
`, initial.ThreadID, initial.CreatedAtUnixMs, initial.Reason, initial.PendingInterruptID, initial.InterruptExpiresAtUnixMs)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return threadstore.ErrThreadExists
		}
		return insertCheckpoint(ctx, tx, initial)
	})
}

// SaveCheckpoint locks the thread row so concurrent writers from other processes serialize
// on the sequence check.
func (s *Store) SaveCheckpoint(ctx context.Context, rec threadstore.CheckpointRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	if rec.CreatedAtUnixMs <= 0 {
		rec.CreatedAtUnixMs = nowUnixMs()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var latest int64
		err := tx.QueryRow(ctx, `SELECT latest_sequence FROM threads WHERE thread_id = $1 FOR UPDATE`, rec.ThreadID).Scan(&latest)
		if errors.Is(err, pgx.ErrNoRows) {
			return threadstore.ErrNotFound
		}
		if err != nil {
			return err
		}
		if rec.Sequence != latest+1 {
			return fmt.Errorf("%w: latest %d, got %d", threadstore.ErrSequenceConflict, latest, rec.Sequence)
		}
		if err := insertCheckpoint(ctx, tx, rec); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
UPDATE threads
SET updated_at_unix_ms = $2, latest_sequence = $3, last_reason = $4,
    pending_interrupt_id = $5, interrupt_expires_at_unix_ms = $6
WHERE thread_id = $1
`, rec.ThreadID, rec.CreatedAtUnixMs, rec.Sequence, rec.Reason, rec.PendingInterruptID, rec.InterruptExpiresAtUnixMs)
		return err
	})
}

func insertCheckpoint(ctx context.Context, tx pgx.Tx, rec threadstore.CheckpointRecord) error {
	_, err := tx.Exec(ctx, `
INSERT INTO checkpoints (thread_id, sequence, reason, state_json, pending_interrupt_id,
                         interrupt_expires_at_unix_ms, created_at_unix_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, rec.ThreadID, rec.Sequence, rec.Reason, string(rec.StateJSON), rec.PendingInterruptID,
		rec.InterruptExpiresAtUnixMs, rec.CreatedAtUnixMs)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: sequence %d already written", threadstore.ErrSequenceConflict, rec.Sequence)
	}
	return err
}

const checkpointColumns = `thread_id, sequence, reason, state_json, pending_interrupt_id, interrupt_expires_at_unix_ms, created_at_unix_ms`

func scanCheckpoint(row pgx.Row) (threadstore.CheckpointRecord, error) {
	var rec threadstore.CheckpointRecord
	var state string
	err := row.Scan(&rec.ThreadID, &rec.Sequence, &rec.Reason, &state, &rec.PendingInterruptID,
		&rec.InterruptExpiresAtUnixMs, &rec.CreatedAtUnixMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return threadstore.CheckpointRecord{}, threadstore.ErrNotFound
	}
	if err != nil {
		return threadstore.CheckpointRecord{}, err
	}
	rec.StateJSON = []byte(state)
	return rec, nil
}

func (s *Store) LoadLatest(ctx context.Context, threadID string) (threadstore.CheckpointRecord, error) {
	return scanCheckpoint(s.pool.QueryRow(ctx, `
SELECT `+checkpointColumns+`
FROM checkpoints
WHERE thread_id = $1
ORDER BY sequence DESC
LIMIT 1
`, strings.TrimSpace(threadID)))
}

func (s *Store) LoadCheckpoint(ctx context.Context, threadID string, sequence int64) (threadstore.CheckpointRecord, error) {
	return scanCheckpoint(s.pool.QueryRow(ctx, `
SELECT `+checkpointColumns+`
FROM checkpoints
WHERE thread_id = $1 AND sequence = $2
`, strings.TrimSpace(threadID), sequence))
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]threadstore.CheckpointRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT thread_id, sequence, reason, pending_interrupt_id, interrupt_expires_at_unix_ms, created_at_unix_ms
FROM checkpoints
WHERE thread_id = $1
ORDER BY sequence ASC
`, strings.TrimSpace(threadID))
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (threadstore.CheckpointRecord, error) {
		var rec threadstore.CheckpointRecord
		err := row.Scan(&rec.ThreadID, &rec.Sequence, &rec.Reason, &rec.PendingInterruptID,
			&rec.InterruptExpiresAtUnixMs, &rec.CreatedAtUnixMs)
		return rec, err
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, threadstore.ErrNotFound
	}
	return out, nil
}

const threadColumns = `thread_id, created_at_unix_ms, updated_at_unix_ms, latest_sequence, last_reason, pending_interrupt_id, interrupt_expires_at_unix_ms`

func scanThread(row pgx.CollectableRow) (threadstore.Thread, error) {
	var t threadstore.Thread
	err := row.Scan(&t.ThreadID, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs, &t.LatestSequence, &t.LastReason,
		&t.PendingInterruptID, &t.InterruptExpiresAtUnixMs)
	return t, err
}

func (s *Store) GetThread(ctx context.Context, threadID string) (threadstore.Thread, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+threadColumns+` FROM threads WHERE thread_id = $1`, strings.TrimSpace(threadID))
	if err != nil {
		return threadstore.Thread{}, err
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanThread)
	if errors.Is(err, pgx.ErrNoRows) {
		return threadstore.Thread{}, threadstore.ErrNotFound
	}
	return t, err
}

func (s *Store) ListThreads(ctx context.Context, limit int) ([]threadstore.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+threadColumns+`
FROM threads
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanThread)
}

func (s *Store) ListPendingInterrupts(ctx context.Context) ([]threadstore.Thread, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE pending_interrupt_id <> ''
ORDER BY interrupt_expires_at_unix_ms ASC, thread_id ASC
`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanThread)
}

// DeleteThread removes the thread; checkpoints follow through ON DELETE CASCADE.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE thread_id = $1`, strings.TrimSpace(threadID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return threadstore.ErrNotFound
	}
	return nil
}
