package store

// Queries use ? placeholders; the postgres dialect rebinds them to $n.

const (
	// queryUpsertEvent stores an event idempotently. Only the mutable attributes
	// are overwritten on conflict; resource_id and ts are fixed by the id.
	queryUpsertEvent = `
		INSERT INTO resource_events (event_id, resource_id, ts, removed, resource_type, org_path, transport)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			removed = excluded.removed,
			resource_type = excluded.resource_type,
			org_path = excluded.org_path,
			transport = excluded.transport
	`

	// queryLatestBefore folds the log to the newest event per resource strictly
	// before the cutoff. Ties on ts fall to the highest event_id.
	queryLatestBefore = `
		WITH ranked AS (
			SELECT event_id, resource_id,
				ROW_NUMBER() OVER (PARTITION BY resource_id ORDER BY ts DESC, event_id DESC) AS rn
			FROM resource_events
			WHERE ts < ?
		)
		SELECT resource_id, event_id
		FROM ranked
		WHERE rn = 1
	`

	queryGetEvent = `
		SELECT event_id, resource_id, ts, removed, resource_type, org_path, transport
		FROM resource_events
		WHERE event_id = ?
	`

	queryCountEvents = `SELECT COUNT(*) FROM resource_events`

	queryUpsertSnapshotEntry = `
		INSERT INTO snapshot_entries (resource_id, as_of_date, event_id)
		VALUES (?, ?, ?)
		ON CONFLICT (resource_id, as_of_date) DO UPDATE SET event_id = excluded.event_id
	`

	queryUpsertSnapshotDate = `
		INSERT INTO snapshot_dates (as_of_date, resource_count, materialized_at)
		VALUES (?, ?, ?)
		ON CONFLICT (as_of_date) DO UPDATE SET
			resource_count = excluded.resource_count,
			materialized_at = excluded.materialized_at
	`

	querySnapshotEntries = `
		SELECT resource_id, as_of_date, event_id
		FROM snapshot_entries
		WHERE as_of_date = ?
		ORDER BY resource_id
	`

	// queryStateAt joins one date's snapshot index to the winning events.
	queryStateAt = `
		SELECT e.event_id, e.resource_id, e.ts, e.removed, e.resource_type, e.org_path, e.transport
		FROM snapshot_entries s
		JOIN resource_events e ON e.event_id = s.event_id
		WHERE s.as_of_date = ?
		ORDER BY e.resource_id
	`

	queryMaterializedDates = `
		SELECT as_of_date
		FROM snapshot_dates
		WHERE as_of_date >= ? AND as_of_date < ?
		ORDER BY as_of_date
	`
)
