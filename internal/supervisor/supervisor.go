// Package supervisor runs the reconciler on a fixed interval for one managed
// service and publishes its run state through a run descriptor file.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/softcane/skyway-agent/internal/metrics"
)

// Ticker runs one reconciliation pass.
type Ticker interface {
	Tick(ctx context.Context) error
}

// UsageSnapshotter writes interim usage entries for running nodes.
type UsageSnapshotter interface {
	SnapshotUsage(ctx context.Context) error
}

// Config configures a Supervisor.
type Config struct {
	Store     *DescriptorStore
	Reconcile Ticker

	// Snapshots is called on SnapshotSchedule, a standard cron expression.
	// Either may be empty.
	Snapshots        UsageSnapshotter
	SnapshotSchedule string

	Interval       time.Duration
	SleepIncrement time.Duration

	// Initial is the status registered at start. Default: running.
	Initial Status

	Now    func() time.Time
	Logger *slog.Logger
}

// Supervisor owns the tick loop.
type Supervisor struct {
	store     *DescriptorStore
	reconcile Ticker
	snapshots UsageSnapshotter
	cron      *cron.Cron

	interval  time.Duration
	increment time.Duration
	initial   Status
	now       func() time.Time
	logger    *slog.Logger

	// mu keeps ticks and usage snapshots from interleaving.
	mu sync.Mutex
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("run descriptor store is required")
	}
	if cfg.Reconcile == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive")
	}
	increment := cfg.SleepIncrement
	if increment <= 0 || increment > cfg.Interval {
		increment = min(time.Second, cfg.Interval)
	}
	initial := cfg.Initial
	if initial == "" {
		initial = StatusRunning
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		store:     cfg.Store,
		reconcile: cfg.Reconcile,
		snapshots: cfg.Snapshots,
		interval:  cfg.Interval,
		increment: increment,
		initial:   initial,
		now:       now,
		logger:    logger.With("component", "supervisor"),
	}

	if cfg.Snapshots != nil && cfg.SnapshotSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.SnapshotSchedule, s.snapshot); err != nil {
			return nil, fmt.Errorf("invalid usage snapshot schedule %q: %w", cfg.SnapshotSchedule, err)
		}
	}
	return s, nil
}

// Run registers the process in the run descriptor and ticks until ctx is
// cancelled. A tick in flight when ctx is cancelled runs to completion.
// On return the descriptor reads {pid: 0, status: stopped}.
func (s *Supervisor) Run(ctx context.Context) error {
	pid := os.Getpid()
	if err := s.store.Register(pid, s.initial); err != nil {
		return err
	}
	defer func() {
		if err := s.store.Write(Descriptor{PID: 0, Status: StatusStopped}); err != nil {
			s.logger.Error("failed to write final run descriptor", "error", err)
		}
	}()

	if s.cron != nil {
		s.cron.Start()
		defer func() { <-s.cron.Stop().Done() }()
	}

	s.logger.Info("supervisor started",
		"pid", pid,
		"status", s.initial,
		"interval", s.interval,
		"descriptor", s.store.Path(),
	)

	var last time.Time
	for {
		if ctx.Err() != nil {
			s.logger.Info("supervisor stopping")
			return nil
		}
		now := s.now()
		next := last.Add(s.interval)
		if last.IsZero() || !now.Before(next) {
			last = now
			s.tick(ctx)
			continue
		}
		s.sleep(ctx, min(s.increment, next.Sub(now)))
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	d, err := s.store.Read()
	if err != nil {
		s.logger.Error("failed to read run descriptor, skipping tick", "error", err)
		metrics.Ticks.WithLabelValues("skipped").Inc()
		return
	}
	if !d.Status.Active() {
		s.logger.Debug("service not active, skipping tick", "status", d.Status)
		metrics.Ticks.WithLabelValues("skipped").Inc()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reconcile.Tick(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("tick failed", "error", err)
	}
}

func (s *Supervisor) snapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.snapshots.SnapshotUsage(context.Background()); err != nil {
		s.logger.Error("usage snapshot failed", "error", err)
	}
}
