// Package monitor reports a cached health snapshot of the running process and its host.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const defaultCacheTTL = 2 * time.Second

// ProcessStats describes the sqlagent process itself.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	NumThreads    int32   `json:"num_threads"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Snapshot is what /healthz returns. Host fields stay zero when the platform cannot
// report them.
type Snapshot struct {
	TimestampMs       int64        `json:"timestamp_ms"`
	Platform          string       `json:"platform"`
	CPUCores          int          `json:"cpu_cores"`
	CPUUsage          float64      `json:"cpu_usage"`
	LoadAverage       []float64    `json:"load_average,omitempty"`
	MemoryUsedPercent float64      `json:"memory_used_percent"`
	Process           ProcessStats `json:"process"`
}

// Collector gathers one fresh snapshot.
type Collector func(ctx context.Context) (Snapshot, error)

type Service struct {
	log     *slog.Logger
	ttl     time.Duration
	collect Collector
	now     func() time.Time

	mu          sync.Mutex
	hasSnap     bool
	snap        Snapshot
	collectedAt time.Time
}

// NewService returns a monitor that refreshes at most once per ttl (default 2s). A nil
// collector reads the host through gopsutil.
func NewService(log *slog.Logger, ttl time.Duration, collect Collector) *Service {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	s := &Service{log: log, ttl: ttl, collect: collect, now: time.Now}
	if s.collect == nil {
		s.collect = s.collectHost
	}
	return s
}

// Snapshot returns the cached snapshot while it is fresh and collects a new one otherwise.
// A collection error is logged; the partial snapshot is still returned.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := s.now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.collectedAt) < s.ttl {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap, err := s.collect(ctx)
	if err != nil {
		s.log.Warn("monitor: snapshot incomplete", "error", err)
	}
	if snap.TimestampMs == 0 {
		snap.TimestampMs = now.UnixMilli()
	}

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.collectedAt = now
	s.mu.Unlock()
	return snap
}

func (s *Service) collectHost(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		TimestampMs: s.now().UnixMilli(),
		Platform:    runtime.GOOS,
	}
	var errs []error

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		errs = append(errs, err)
	}
	// Interval 0 compares against the previous call and never blocks.
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		snap.CPUUsage = p[0]
	} else if err != nil {
		errs = append(errs, err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil && runtime.GOOS != "windows" {
		errs = append(errs, err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryUsedPercent = vm.UsedPercent
	} else if err != nil {
		errs = append(errs, err)
	}

	ps, err := processStats(ctx, int32(os.Getpid()), s.now())
	if err != nil {
		errs = append(errs, err)
	}
	snap.Process = ps
	return snap, errors.Join(errs...)
}

func processStats(ctx context.Context, pid int32, now time.Time) (ProcessStats, error) {
	out := ProcessStats{PID: pid, Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return out, err
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		out.RSSBytes = mi.RSS
	}
	if c, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = c
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		out.NumThreads = n
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil && created > 0 {
		out.UptimeSeconds = int64(now.Sub(time.UnixMilli(created)).Seconds())
	}
	return out, nil
}
