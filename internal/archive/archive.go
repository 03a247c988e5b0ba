// Package archive copies committed snapshots to object storage.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/chronostat/chronostat/internal/storage"
	"github.com/chronostat/chronostat/pkg/types"
	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// StateReader reads the full state of a materialized date.
type StateReader interface {
	StateAt(ctx context.Context, date types.Date, includeRemoved bool) ([]types.ResourceEvent, error)
}

// Archiver writes one snappy-compressed NDJSON object per committed date.
type Archiver struct {
	states  StateReader
	storage storage.ObjectStorage
	logger  *zap.Logger
}

// New creates an archiver.
func New(states StateReader, store storage.ObjectStorage, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{states: states, storage: store, logger: logger}
}

// OnCommitted archives date and only logs failures, so it can run as a
// materializer commit hook.
func (a *Archiver) OnCommitted(ctx context.Context, date types.Date) {
	if err := a.Archive(ctx, date); err != nil {
		a.logger.Warn("failed to archive snapshot",
			zap.Stringer("date", date),
			zap.Error(err))
	}
}

// Archive writes the snapshot of date, tombstones included, replacing any
// earlier copy.
func (a *Archiver) Archive(ctx context.Context, date types.Date) error {
	events, err := a.states.StateAt(ctx, date, true)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", date, err)
	}

	data, err := Encode(events)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", date, err)
	}

	if err := a.storage.Put(ctx, storage.SnapshotKey(date), data); err != nil {
		return err
	}

	a.logger.Debug("archived snapshot",
		zap.Stringer("date", date),
		zap.Int("entries", len(events)),
		zap.Int("bytes", len(data)))
	return nil
}

// Encode writes events as newline-delimited JSON, snappy framed.
func Encode(events []types.ResourceEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) ([]types.ResourceEvent, error) {
	scanner := bufio.NewScanner(snappy.NewReader(bytes.NewReader(data)))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var events []types.ResourceEvent
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e types.ResourceEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Reader loads archived snapshots.
type Reader struct {
	storage storage.ObjectStorage
	batch   *storage.BatchGetter
}

// NewReader creates a reader fetching up to concurrency objects at once.
func NewReader(store storage.ObjectStorage, concurrency int) *Reader {
	return &Reader{storage: store, batch: storage.NewBatchGetter(store, concurrency)}
}

// Dates lists the archived dates in ascending order.
func (r *Reader) Dates(ctx context.Context) ([]types.Date, error) {
	paths, err := r.storage.ListObjects(ctx, storage.SnapshotPrefix)
	if err != nil {
		return nil, err
	}

	var dates []types.Date
	for _, p := range paths {
		if d, ok := storage.SnapshotDate(p); ok {
			dates = append(dates, d)
		}
	}
	return dates, nil
}

// Load fetches the snapshots of dates. Dates that are missing or unreadable
// are reported in the error map.
func (r *Reader) Load(ctx context.Context, dates []types.Date) (map[types.Date][]types.ResourceEvent, map[types.Date]error, error) {
	paths := make([]string, len(dates))
	byPath := make(map[string]types.Date, len(dates))
	for i, d := range dates {
		paths[i] = storage.SnapshotKey(d)
		byPath[paths[i]] = d
	}

	result, err := r.batch.Get(ctx, paths)
	if err != nil {
		return nil, nil, err
	}

	snapshots := make(map[types.Date][]types.ResourceEvent, len(result.Objects))
	failures := make(map[types.Date]error)
	for p, err := range result.Errors {
		failures[byPath[p]] = err
	}
	for p, data := range result.Objects {
		events, err := Decode(data)
		if err != nil {
			failures[byPath[p]] = err
			continue
		}
		snapshots[byPath[p]] = events
	}
	return snapshots, failures, nil
}
