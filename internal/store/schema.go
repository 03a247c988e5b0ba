// Package store provides the transactional event store and snapshot index.
package store

// The schema is written in the common subset of SQLite and PostgreSQL so one
// script serves both drivers. Dates are stored as yyyy-MM-dd text, timestamps
// as epoch milliseconds.

// CreateResourceEventsTableSQL creates the append-mostly event log.
// Rows are upserted by event_id, which is derived from (resource_id, ts).
const CreateResourceEventsTableSQL = `
CREATE TABLE IF NOT EXISTS resource_events (
    event_id TEXT PRIMARY KEY,
    resource_id TEXT NOT NULL,
    ts BIGINT NOT NULL,
    removed BOOLEAN NOT NULL DEFAULT FALSE,
    resource_type TEXT NOT NULL,
    org_path TEXT,
    transport BOOLEAN NOT NULL DEFAULT FALSE
)`

// CreateSnapshotEntriesTableSQL creates the snapshot index: the winning event per
// resource at each materialized date.
const CreateSnapshotEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS snapshot_entries (
    resource_id TEXT NOT NULL,
    as_of_date TEXT NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (resource_id, as_of_date)
)`

// CreateSnapshotDatesTableSQL creates the per-date materialization marker. A row
// exists only for dates whose snapshot transaction committed.
const CreateSnapshotDatesTableSQL = `
CREATE TABLE IF NOT EXISTS snapshot_dates (
    as_of_date TEXT PRIMARY KEY,
    resource_count BIGINT NOT NULL,
    materialized_at BIGINT NOT NULL
)`

// CreateIndexesSQL creates the indexes used by the ranked and per-date queries.
var CreateIndexesSQL = []string{
	// Ranked latest-before scan: partition by resource, order by time
	`CREATE INDEX IF NOT EXISTS idx_resource_events_resource_ts ON resource_events(resource_id, ts)`,

	// Cutoff filter
	`CREATE INDEX IF NOT EXISTS idx_resource_events_ts ON resource_events(ts)`,

	// Per-date join from the snapshot index to the events
	`CREATE INDEX IF NOT EXISTS idx_snapshot_entries_date ON snapshot_entries(as_of_date, event_id)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateResourceEventsTableSQL,
		CreateSnapshotEntriesTableSQL,
		CreateSnapshotDatesTableSQL,
	}
	return append(stmts, CreateIndexesSQL...)
}
