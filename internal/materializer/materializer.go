// Package materializer folds the event log into per-date snapshots.
package materializer

import (
	"context"
	"fmt"
	"sync"
	"time"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/observability"
	"github.com/chronostat/chronostat/pkg/types"
	"go.uber.org/zap"
)

// DefaultEarliestEventDate is the first date for which events are retained.
var DefaultEarliestEventDate = types.NewDate(2022, time.January, 1)

// SnapshotStore is the part of the event store the materializer writes through.
type SnapshotStore interface {
	LatestBefore(ctx context.Context, cutoffMillis int64) (map[string]string, error)
	WriteSnapshot(ctx context.Context, date types.Date, latest map[string]string) error
}

// CommitHook is called after a date's snapshot has committed.
type CommitHook func(ctx context.Context, date types.Date)

// Config holds materializer configuration.
type Config struct {
	// EarliestEventDate is the lower bound for StartInclusive.
	EarliestEventDate types.Date

	// Now supplies "today" in UTC. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		EarliestEventDate: DefaultEarliestEventDate,
		Now:               time.Now,
	}
}

// DateFailure is one date that could not be materialized.
type DateFailure struct {
	Date  types.Date `json:"date"`
	Error string     `json:"error"`
}

// Report summarizes one materialization run.
type Report struct {
	StartInclusive types.Date    `json:"startInclusive"`
	EndExclusive   types.Date    `json:"endExclusive"`
	Committed      []types.Date  `json:"committed"`
	Failed         []DateFailure `json:"failed"`

	// Skipped lists dates not attempted because the run was cancelled.
	Skipped  []types.Date  `json:"skipped,omitempty"`
	Duration time.Duration `json:"durationNanos"`
}

// OK reports whether every requested date committed.
func (r *Report) OK() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

func (r *Report) details() map[string]interface{} {
	failed := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		failed[i] = f.Date.String()
	}
	committed := make([]string, len(r.Committed))
	for i, d := range r.Committed {
		committed[i] = d.String()
	}
	return map[string]interface{}{
		"committed": committed,
		"failed":    failed,
	}
}

// Materializer computes and persists snapshots for date ranges.
type Materializer struct {
	store  SnapshotStore
	config Config
	logger *zap.Logger
	stats  *observability.QueryStats

	locksMu sync.Mutex
	locks   map[string]*dateLock

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

type dateLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a materializer. stats may be nil.
func New(store SnapshotStore, config Config, logger *zap.Logger, stats *observability.QueryStats) *Materializer {
	if config.EarliestEventDate.IsZero() {
		config.EarliestEventDate = DefaultEarliestEventDate
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		store:  store,
		config: config,
		logger: logger,
		stats:  stats,
		locks:  make(map[string]*dateLock),
	}
}

// OnCommitted registers a hook run after each committed date.
func (m *Materializer) OnCommitted(hook CommitHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Validate checks a calculation request without running it.
func (m *Materializer) Validate(req types.CalculationRequest) error {
	if req.StartInclusive.IsZero() || req.EndExclusive.IsZero() {
		return staterrors.NewValidationError(staterrors.CodeInvalidFormat,
			"startInclusive and endExclusive are required")
	}
	if req.StartInclusive.After(req.EndExclusive) {
		return staterrors.NewValidationError(staterrors.CodeRangeInverted,
			fmt.Sprintf("startInclusive %s is after endExclusive %s", req.StartInclusive, req.EndExclusive))
	}
	if req.StartInclusive.Before(m.config.EarliestEventDate) {
		return staterrors.NewValidationError(staterrors.CodeDataUnavailable,
			fmt.Sprintf("no events are retained before %s", m.config.EarliestEventDate))
	}
	today := types.Today(m.config.Now)
	if req.EndExclusive.After(today) {
		return staterrors.NewValidationError(staterrors.CodeFutureRange,
			fmt.Sprintf("endExclusive %s is after today %s", req.EndExclusive, today))
	}
	return nil
}

// Materialize snapshots every date in [StartInclusive, EndExclusive) in ascending
// order. A failing date does not stop the run; the report lists it and the
// returned error is PARTIAL_MATERIALIZATION. If no date committed, the first
// failure is returned instead. Cancellation stops before the next date.
func (m *Materializer) Materialize(ctx context.Context, req types.CalculationRequest) (*Report, error) {
	if err := m.Validate(req); err != nil {
		return nil, err
	}

	start := time.Now()
	report := &Report{
		StartInclusive: req.StartInclusive,
		EndExclusive:   req.EndExclusive,
		Committed:      []types.Date{},
		Failed:         []DateFailure{},
	}

	dates := types.DateRange(req.StartInclusive, req.EndExclusive)
	var firstErr error

	for i, date := range dates {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, dates[i:]...)
			break
		}

		if err := m.materializeDate(ctx, date); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			report.Failed = append(report.Failed, DateFailure{Date: date, Error: err.Error()})
			m.logger.Warn("snapshot materialization failed",
				zap.String("as_of_date", date.String()),
				zap.Error(err))
			continue
		}

		report.Committed = append(report.Committed, date)
		m.runHooks(ctx, date)
	}

	report.Duration = time.Since(start)
	if m.stats != nil {
		m.stats.RecordMaterialization(len(report.Committed), len(report.Failed))
	}

	m.logger.Info("materialization finished",
		zap.String("start_inclusive", req.StartInclusive.String()),
		zap.String("end_exclusive", req.EndExclusive.String()),
		zap.Int("committed", len(report.Committed)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("duration", report.Duration))

	switch {
	case len(report.Skipped) > 0:
		return report, ctx.Err()
	case len(report.Failed) == 0:
		return report, nil
	case len(report.Committed) == 0:
		return report, firstErr
	default:
		return report, staterrors.NewPartialMaterializationError(
			fmt.Sprintf("%d of %d dates failed", len(report.Failed), len(dates)),
			report.details())
	}
}

// materializeDate computes and writes one date under its lock. Concurrent
// calls for the same date run one after the other; the second recomputes.
func (m *Materializer) materializeDate(ctx context.Context, date types.Date) error {
	unlock := m.lockDate(date)
	defer unlock()

	latest, err := m.store.LatestBefore(ctx, date.StartMillis())
	if err != nil {
		return err
	}
	return m.store.WriteSnapshot(ctx, date, latest)
}

func (m *Materializer) lockDate(date types.Date) func() {
	m.locksMu.Lock()
	key := date.String()
	l, ok := m.locks[key]
	if !ok {
		l = &dateLock{}
		m.locks[key] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.locksMu.Unlock()
	}
}

func (m *Materializer) runHooks(ctx context.Context, date types.Date) {
	m.hooksMu.RLock()
	hooks := append([]CommitHook(nil), m.hooks...)
	m.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, date)
	}
}
