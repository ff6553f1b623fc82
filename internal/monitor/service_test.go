package monitor

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestSnapshotIsCachedForTTL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	svc := NewService(nil, time.Minute, func(ctx context.Context) (Snapshot, error) {
		n := calls.Add(1)
		return Snapshot{CPUCores: int(n)}, nil
	})
	base := time.Unix(1_700_000_000, 0)
	now := base
	svc.now = func() time.Time { return now }

	if got := svc.Snapshot(context.Background()); got.CPUCores != 1 || got.TimestampMs != base.UnixMilli() {
		t.Fatalf("first snapshot=%+v", got)
	}
	now = base.Add(30 * time.Second)
	if got := svc.Snapshot(context.Background()); got.CPUCores != 1 {
		t.Fatalf("cached snapshot=%+v", got)
	}
	now = base.Add(2 * time.Minute)
	if got := svc.Snapshot(context.Background()); got.CPUCores != 2 {
		t.Fatalf("refreshed snapshot=%+v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("collector calls=%d, want 2", calls.Load())
	}
}

func TestSnapshotKeepsPartialResultOnError(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, 0, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{Platform: "test"}, errors.New("load average unavailable")
	})
	if got := svc.Snapshot(context.Background()); got.Platform != "test" {
		t.Fatalf("snapshot=%+v", got)
	}
}

func TestHostSnapshotReportsOwnProcess(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, 0, nil)
	got := svc.Snapshot(context.Background())
	if got.Process.PID != int32(os.Getpid()) {
		t.Fatalf("pid=%d, want %d", got.Process.PID, os.Getpid())
	}
	if got.Process.Goroutines <= 0 || got.Platform == "" {
		t.Fatalf("snapshot=%+v", got)
	}
}
