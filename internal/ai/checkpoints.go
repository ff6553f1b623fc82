package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/floegence/sqlagent/internal/ai/threadstore"
)

// CheckpointStore is the durable per-thread checkpoint log. threadstore.Store (SQLite) and
// pgstore.Store (Postgres) both satisfy it.
type CheckpointStore interface {
	CreateThread(ctx context.Context, initial threadstore.CheckpointRecord) error
	SaveCheckpoint(ctx context.Context, rec threadstore.CheckpointRecord) error
	LoadLatest(ctx context.Context, threadID string) (threadstore.CheckpointRecord, error)
	LoadCheckpoint(ctx context.Context, threadID string, sequence int64) (threadstore.CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, threadID string) ([]threadstore.CheckpointRecord, error)
	GetThread(ctx context.Context, threadID string) (threadstore.Thread, error)
	ListThreads(ctx context.Context, limit int) ([]threadstore.Thread, error)
	ListPendingInterrupts(ctx context.Context) ([]threadstore.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

// Checkpoint reasons recorded alongside each snapshot.
const (
	ReasonCreated          = "created"
	ReasonUserMessage      = "user_message"
	ReasonReasoning        = "reasoning"
	ReasonToolResults      = "tool_results"
	ReasonInterrupt        = "interrupt"
	ReasonResolution       = "resolution"
	ReasonInterruptExpired = "interrupt_expired"
	ReasonHalted           = "halted"
)

func encodeCheckpoint(s *GraphState, reason string, nowMs int64) (threadstore.CheckpointRecord, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return threadstore.CheckpointRecord{}, fmt.Errorf("encode state: %w", err)
	}
	rec := threadstore.CheckpointRecord{
		ThreadID:        s.ThreadID,
		Sequence:        s.Sequence,
		Reason:          reason,
		StateJSON:       b,
		CreatedAtUnixMs: nowMs,
	}
	if in := s.PendingInterrupt; in != nil {
		rec.PendingInterruptID = in.ID
		rec.InterruptExpiresAtUnixMs = in.ExpiresAtUnixMs
	}
	return rec, nil
}

func decodeCheckpoint(rec threadstore.CheckpointRecord) (GraphState, error) {
	var s GraphState
	if err := json.Unmarshal(rec.StateJSON, &s); err != nil {
		return GraphState{}, fmt.Errorf("decode checkpoint %s#%d: %w", rec.ThreadID, rec.Sequence, err)
	}
	if s.Sequence != rec.Sequence {
		return GraphState{}, fmt.Errorf("checkpoint %s#%d carries sequence %d", rec.ThreadID, rec.Sequence, s.Sequence)
	}
	return s, nil
}

// storeErr maps storage failures onto the public taxonomy.
func storeErr(op string, threadID string, err error) error {
	if errors.Is(err, threadstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if errors.Is(err, threadstore.ErrThreadExists) {
		return fmt.Errorf("%w: %s", ErrThreadExists, threadID)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAgentError(KindCanceled, op, threadID, err)
	}
	return newAgentError(KindPersistence, op, threadID, err)
}
