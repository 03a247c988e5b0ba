package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/pkg/types"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrEventNotFound is returned by GetEvent when no event has the given id.
var ErrEventNotFound = errors.New("store: event not found")

// Store is the event log plus the per-date snapshot index.
type Store interface {
	// StoreEvent upserts an event by its id.
	StoreEvent(ctx context.Context, event types.ResourceEvent) error

	// GetEvent returns a stored event by id.
	GetEvent(ctx context.Context, eventID string) (*types.ResourceEvent, error)

	// LatestBefore returns, per resource, the id of the newest event with
	// timestamp strictly before cutoffMillis.
	LatestBefore(ctx context.Context, cutoffMillis int64) (map[string]string, error)

	// WriteSnapshot replaces the snapshot entries for date and marks the date
	// materialized, atomically.
	WriteSnapshot(ctx context.Context, date types.Date, latest map[string]string) error

	// CountSnapshots counts non-removed resources matching filters at each
	// materialized date among dates. Dates without a snapshot yield no point.
	CountSnapshots(ctx context.Context, dates []types.Date, filters types.FilterSet) ([]types.TimeSeriesPoint, error)

	// SnapshotEntries returns the raw snapshot index for date.
	SnapshotEntries(ctx context.Context, date types.Date) ([]types.SnapshotEntry, error)

	// StateAt returns the winning events at date, tombstones included on request.
	StateAt(ctx context.Context, date types.Date, includeRemoved bool) ([]types.ResourceEvent, error)

	// MaterializedDates lists materialized dates in [start, endExclusive).
	MaterializedDates(ctx context.Context, start, endExclusive types.Date) ([]types.Date, error)

	// EventCount returns the number of stored events.
	EventCount(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Options tunes a store.
type Options struct {
	// MaxOpenConns caps the read pool (sqlite) or the whole pool (postgres).
	MaxOpenConns int

	Logger *zap.Logger

	// Now is the clock used for materialized_at. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 4
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB // write connection (single writer on sqlite)
	readDB  *sql.DB // read pool; same as db on postgres
	dialect Dialect
	mu      sync.Mutex // serializes writes
	logger  *zap.Logger
	now     func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite store at path.
func OpenSQLite(path string, opts Options) (*SQLStore, error) {
	opts = opts.withDefaults()
	registerSQLiteDriver()

	// Write connection: single writer with WAL mode
	db, err := sql.Open(sqliteDriverName, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := NewWithDB(db, db, DialectSQLite, opts)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	// Read pool opens after the schema exists; query_only guards against stray writes
	readDB, err := sql.Open(sqliteDriverName, path+"?_journal_mode=WAL&_busy_timeout=5000&_query_only=1")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(opts.MaxOpenConns)
	readDB.SetMaxIdleConns(opts.MaxOpenConns)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

// OpenPostgres opens a PostgreSQL store and applies the schema.
func OpenPostgres(dsn string, opts Options) (*SQLStore, error) {
	opts = opts.withDefaults()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := NewWithDB(db, db, DialectPostgres, opts)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open opens the store for driver ("sqlite" or "postgres"). target is a file
// path for sqlite and a DSN for postgres.
func Open(driver, target string, opts Options) (*SQLStore, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return OpenSQLite(target, opts)
	case DialectPostgres:
		return OpenPostgres(target, opts)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// NewWithDB wraps existing handles without touching the schema.
func NewWithDB(db, readDB *sql.DB, dialect Dialect, opts Options) *SQLStore {
	opts = opts.withDefaults()
	if readDB == nil {
		readDB = db
	}
	return &SQLStore{
		db:      db,
		readDB:  readDB,
		dialect: dialect,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Migrate applies the schema idempotently.
func (s *SQLStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return staterrors.NewStoreError("failed to apply schema", err)
		}
	}
	return nil
}

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// StoreEvent implements Store.
func (s *SQLStore) StoreEvent(ctx context.Context, event types.ResourceEvent) error {
	if err := event.Normalize(); err != nil {
		return staterrors.NewValidationError(staterrors.CodeInvalidFormat, err.Error())
	}

	var orgPath interface{}
	if event.OrgPath != nil {
		orgPath = *event.OrgPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(queryUpsertEvent),
		event.EventID,
		event.ResourceID,
		event.Timestamp,
		event.Removed,
		string(event.ResourceType),
		orgPath,
		event.Transport,
	)
	if err != nil {
		return s.storeErr("failed to store event", err)
	}
	return nil
}

// GetEvent implements Store.
func (s *SQLStore) GetEvent(ctx context.Context, eventID string) (*types.ResourceEvent, error) {
	row := s.readDB.QueryRowContext(ctx, s.dialect.rebind(queryGetEvent), eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, s.storeErr("failed to read event", err)
	}
	return event, nil
}

// LatestBefore implements Store.
func (s *SQLStore) LatestBefore(ctx context.Context, cutoffMillis int64) (map[string]string, error) {
	rows, err := s.readDB.QueryContext(ctx, s.dialect.rebind(queryLatestBefore), cutoffMillis)
	if err != nil {
		return nil, s.storeErr("failed to query latest events", err)
	}
	defer rows.Close()

	latest := make(map[string]string)
	for rows.Next() {
		var resourceID, eventID string
		if err := rows.Scan(&resourceID, &eventID); err != nil {
			return nil, s.storeErr("failed to scan latest event", err)
		}
		latest[resourceID] = eventID
	}
	if err := rows.Err(); err != nil {
		return nil, s.storeErr("failed to iterate latest events", err)
	}
	return latest, nil
}

// WriteSnapshot implements Store. Entries are written in resource id order and
// the date marker is written last in the same transaction, so a reader sees
// either the complete snapshot or none.
func (s *SQLStore) WriteSnapshot(ctx context.Context, date types.Date, latest map[string]string) error {
	resourceIDs := make([]string, 0, len(latest))
	for id := range latest {
		resourceIDs = append(resourceIDs, id)
	}
	sort.Strings(resourceIDs)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.storeErr("failed to begin snapshot transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(queryUpsertSnapshotEntry))
	if err != nil {
		return s.storeErr("failed to prepare snapshot insert", err)
	}
	defer stmt.Close()

	asOf := date.String()
	for _, id := range resourceIDs {
		if _, err := stmt.ExecContext(ctx, id, asOf, latest[id]); err != nil {
			return s.storeErr(fmt.Sprintf("failed to write snapshot entry for %s", id), err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(queryUpsertSnapshotDate),
		asOf, int64(len(latest)), s.now().UnixMilli()); err != nil {
		return s.storeErr("failed to mark snapshot date", err)
	}

	if err := tx.Commit(); err != nil {
		return s.storeErr("failed to commit snapshot", err)
	}

	s.logger.Debug("snapshot written",
		zap.String("as_of_date", asOf),
		zap.Int("resources", len(latest)))
	return nil
}

// CountSnapshots implements Store. Materialized dates with no matching
// resources yield a zero count; dates never materialized yield no point.
func (s *SQLStore) CountSnapshots(ctx context.Context, dates []types.Date, filters types.FilterSet) ([]types.TimeSeriesPoint, error) {
	if len(dates) == 0 {
		return []types.TimeSeriesPoint{}, nil
	}

	query, args := s.buildCountQuery(dates, filters)
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.storeErr("failed to count snapshots", err)
	}
	defer rows.Close()

	points := make([]types.TimeSeriesPoint, 0, len(dates))
	for rows.Next() {
		var date types.Date
		var count int64
		if err := rows.Scan(&date, &count); err != nil {
			return nil, s.storeErr("failed to scan snapshot count", err)
		}
		points = append(points, types.TimeSeriesPoint{Date: date, Count: int(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, s.storeErr("failed to iterate snapshot counts", err)
	}
	return points, nil
}

// buildCountQuery renders the per-date count. Filters sit in the event join so
// that non-matching dates still produce a zero row.
func (s *SQLStore) buildCountQuery(dates []types.Date, filters types.FilterSet) (string, []interface{}) {
	var b strings.Builder
	args := make([]interface{}, 0, len(dates)+len(filters)+1)

	b.WriteString(`SELECT d.as_of_date, COUNT(e.event_id)
		FROM snapshot_dates d
		LEFT JOIN snapshot_entries s ON s.as_of_date = d.as_of_date
		LEFT JOIN resource_events e ON e.event_id = s.event_id AND e.removed = ?`)
	args = append(args, false)

	for _, p := range filters {
		switch p.Kind {
		case types.FilterResourceType:
			b.WriteString(" AND e.resource_type = ?")
			args = append(args, string(p.ResourceType))
		case types.FilterOrgPath:
			b.WriteString(" AND e.org_path " + s.dialect.regexOperator() + " ?")
			args = append(args, p.Pattern)
		case types.FilterTransport:
			b.WriteString(" AND e.transport = ?")
			args = append(args, p.Transport)
		}
	}

	b.WriteString(" WHERE d.as_of_date IN (")
	for i, d := range dates {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, d.String())
	}
	b.WriteString(") GROUP BY d.as_of_date ORDER BY d.as_of_date")

	return s.dialect.rebind(b.String()), args
}

// SnapshotEntries implements Store.
func (s *SQLStore) SnapshotEntries(ctx context.Context, date types.Date) ([]types.SnapshotEntry, error) {
	rows, err := s.readDB.QueryContext(ctx, s.dialect.rebind(querySnapshotEntries), date.String())
	if err != nil {
		return nil, s.storeErr("failed to query snapshot entries", err)
	}
	defer rows.Close()

	var entries []types.SnapshotEntry
	for rows.Next() {
		var e types.SnapshotEntry
		if err := rows.Scan(&e.ResourceID, &e.AsOfDate, &e.EventID); err != nil {
			return nil, s.storeErr("failed to scan snapshot entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storeErr("failed to iterate snapshot entries", err)
	}
	return entries, nil
}

// StateAt implements Store.
func (s *SQLStore) StateAt(ctx context.Context, date types.Date, includeRemoved bool) ([]types.ResourceEvent, error) {
	rows, err := s.readDB.QueryContext(ctx, s.dialect.rebind(queryStateAt), date.String())
	if err != nil {
		return nil, s.storeErr("failed to query snapshot state", err)
	}
	defer rows.Close()

	events := []types.ResourceEvent{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, s.storeErr("failed to scan snapshot state", err)
		}
		if event.Removed && !includeRemoved {
			continue
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storeErr("failed to iterate snapshot state", err)
	}
	return events, nil
}

// MaterializedDates implements Store.
func (s *SQLStore) MaterializedDates(ctx context.Context, start, endExclusive types.Date) ([]types.Date, error) {
	rows, err := s.readDB.QueryContext(ctx, s.dialect.rebind(queryMaterializedDates),
		start.String(), endExclusive.String())
	if err != nil {
		return nil, s.storeErr("failed to query materialized dates", err)
	}
	defer rows.Close()

	var dates []types.Date
	for rows.Next() {
		var d types.Date
		if err := rows.Scan(&d); err != nil {
			return nil, s.storeErr("failed to scan materialized date", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storeErr("failed to iterate materialized dates", err)
	}
	return dates, nil
}

// EventCount implements Store.
func (s *SQLStore) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, queryCountEvents).Scan(&n); err != nil {
		return 0, s.storeErr("failed to count events", err)
	}
	return n, nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.storeErr("database unreachable", err)
	}
	return nil
}

// Close closes both connections.
func (s *SQLStore) Close() error {
	var firstErr error
	if s.readDB != nil && s.readDB != s.db {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// storeErr wraps a driver failure as STORE_UNAVAILABLE. Context cancellation
// passes through unchanged so callers can tell it apart from an outage.
func (s *SQLStore) storeErr(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Warn("store operation failed", zap.String("op", msg), zap.Error(err))
	return staterrors.NewStoreError(msg, err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*types.ResourceEvent, error) {
	var (
		e            types.ResourceEvent
		resourceType string
		orgPath      sql.NullString
	)
	if err := row.Scan(&e.EventID, &e.ResourceID, &e.Timestamp, &e.Removed, &resourceType, &orgPath, &e.Transport); err != nil {
		return nil, err
	}
	e.ResourceType = types.ResourceType(resourceType)
	if orgPath.Valid {
		p := orgPath.String
		e.OrgPath = &p
	}
	return &e, nil
}

var _ Store = (*SQLStore)(nil)
