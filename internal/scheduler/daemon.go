// Package scheduler runs the daily materialization of the previous day.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/pkg/types"
	"go.uber.org/zap"
)

// Materializer is the operation the daemon triggers.
type Materializer interface {
	Materialize(ctx context.Context, req types.CalculationRequest) (*materializer.Report, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Hour and Minute are the UTC time of day of each run (default 05:30).
	Hour   int
	Minute int

	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{Hour: 5, Minute: 30}
}

// Daemon materializes [yesterday, today) once a day.
type Daemon struct {
	config Config
	mat    Materializer
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a new scheduler daemon.
func NewDaemon(config Config, mat Materializer, logger *zap.Logger) *Daemon {
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{config: config, mat: mat, logger: logger}
}

// NextRun returns the first run time strictly after now.
func NextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start begins the schedule loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("scheduler: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the daemon, waiting for a run in progress to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	for {
		next := NextRun(d.config.Now(), d.config.Hour, d.config.Minute)
		d.logger.Debug("next materialization scheduled", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(d.config.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_, _ = d.RunOnce(ctx)
		}
	}
}

// RunOnce materializes yesterday. A partial failure is logged and returned.
func (d *Daemon) RunOnce(ctx context.Context) (*materializer.Report, error) {
	today := types.Today(d.config.Now)
	req := types.CalculationRequest{
		StartInclusive: today.AddDays(-1),
		EndExclusive:   today,
	}

	report, err := d.mat.Materialize(ctx, req)
	if err != nil {
		d.logger.Error("scheduled materialization failed",
			zap.Stringer("start", req.StartInclusive),
			zap.Stringer("end", req.EndExclusive),
			zap.Error(err))
		return report, err
	}

	d.logger.Info("scheduled materialization completed",
		zap.Stringer("date", req.StartInclusive),
		zap.Int("committed", len(report.Committed)))
	return report, nil
}
