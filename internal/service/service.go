// Package service is the single entry point used by the transports: it ties
// validation, the event store, the materializer and the aggregator together.
package service

import (
	"context"
	"time"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/internal/observability"
	"github.com/chronostat/chronostat/internal/store"
	"github.com/chronostat/chronostat/internal/timeseries"
	"github.com/chronostat/chronostat/internal/validation"
	"github.com/chronostat/chronostat/pkg/types"
	"go.uber.org/zap"
)

// Service exposes the statistics operations.
type Service struct {
	store        store.Store
	validator    *validation.Validator
	aggregator   *timeseries.Aggregator
	materializer *materializer.Materializer
	stats        *observability.QueryStats
	logger       *zap.Logger
	now          func() time.Time
}

// Options carries the collaborators of a Service.
type Options struct {
	Store        store.Store
	Validator    *validation.Validator
	Aggregator   *timeseries.Aggregator
	Materializer *materializer.Materializer
	Stats        *observability.QueryStats
	Logger       *zap.Logger
	Now          func() time.Time
}

// New creates a Service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Stats == nil {
		opts.Stats = observability.NewQueryStats(24 * time.Hour)
	}
	return &Service{
		store:        opts.Store,
		validator:    opts.Validator,
		aggregator:   opts.Aggregator,
		materializer: opts.Materializer,
		stats:        opts.Stats,
		logger:       opts.Logger,
		now:          opts.Now,
	}
}

// StoreEvent records one resource event.
func (s *Service) StoreEvent(ctx context.Context, event types.ResourceEvent) error {
	if err := s.store.StoreEvent(ctx, event); err != nil {
		s.stats.RecordError(staterrors.GetCode(err))
		return err
	}
	return nil
}

// TimeSeries validates q, filling omitted fields with defaults, and evaluates it.
func (s *Service) TimeSeries(ctx context.Context, q types.TimeSeriesQuery) ([]types.TimeSeriesPoint, error) {
	q.ApplyDefaults(types.Today(s.now))

	vq, err := s.validator.Validate(q)
	if err != nil {
		s.stats.RecordError(staterrors.GetCode(err))
		return nil, err
	}

	points, err := s.aggregator.Query(ctx, vq)
	if err != nil {
		s.stats.RecordError(staterrors.GetCode(err))
		s.logger.Warn("time series query failed",
			zap.String("query", vq.Canonical()),
			zap.Error(err))
		return nil, err
	}
	return points, nil
}

// Materialize snapshots every date in the request. The report is returned
// alongside PARTIAL_MATERIALIZATION and store errors.
func (s *Service) Materialize(ctx context.Context, req types.CalculationRequest) (*materializer.Report, error) {
	report, err := s.materializer.Materialize(ctx, req)
	if err != nil {
		s.stats.RecordError(staterrors.GetCode(err))
	}
	return report, err
}

// InvalidateCache drops every cached time series.
func (s *Service) InvalidateCache(ctx context.Context) error {
	return s.aggregator.InvalidateCache(ctx)
}

// StateAt returns the latest known state of every resource as of date.
func (s *Service) StateAt(ctx context.Context, date types.Date, includeRemoved bool) ([]types.ResourceEvent, error) {
	if date.After(types.Today(s.now)) {
		return nil, staterrors.NewValidationError(staterrors.CodeFutureRange, "no snapshots exist for future dates")
	}
	return s.store.StateAt(ctx, date, includeRemoved)
}

// Stats is the combined statistics document.
type Stats struct {
	Queries observability.Snapshot `json:"queries"`
	Cache   CacheStats             `json:"cache"`
	Events  int64                  `json:"events"`
}

// CacheStats adds the hit rate to the raw cache counters.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int64   `json:"entries"`
	HitRate   float64 `json:"hitRate"`
}

// Stats returns usage, cache and store statistics.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	events, err := s.store.EventCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	cs := s.aggregator.CacheStats()
	return Stats{
		Queries: s.stats.Snapshot(),
		Cache: CacheStats{
			Hits:      cs.Hits,
			Misses:    cs.Misses,
			Evictions: cs.Evictions,
			Entries:   cs.Entries,
			HitRate:   cs.HitRate(),
		},
		Events: events,
	}, nil
}

// Health checks the store.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
