package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS safety_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL CHECK(event_type IN ('violation','sessionCreated','sessionArmed','sessionApplied','sessionExpired')),
	payload TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	delivery_attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS apply_sessions (
	session_id TEXT PRIMARY KEY,
	vehicle_session_id TEXT NOT NULL,
	changeset_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL CHECK(mode IN ('SIMULATE','LIVE_APPLY','FLASH')),
	armed INTEGER NOT NULL DEFAULT 0,
	apply_token TEXT NOT NULL DEFAULT '',
	expires_at TEXT,
	status TEXT NOT NULL CHECK(status IN ('PENDING','ARMED','APPLYING','APPLIED','REVERTED','EXPIRED','FAILED')),
	revert_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flash_jobs (
	job_id TEXT PRIMARY KEY,
	engine_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('PREPARED','FLASHING','VERIFYING','COMPLETED','FAILED','ABORTED')),
	progress INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
	checksum_ok INTEGER NOT NULL DEFAULT 0,
	validation_ok INTEGER NOT NULL DEFAULT 0,
	rollback_available INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES apply_sessions(session_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS safety_snapshots (
	snapshot_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	rpm REAL NOT NULL,
	boost REAL NOT NULL,
	afr REAL NOT NULL,
	knock REAL NOT NULL,
	coolant REAL NOT NULL,
	iat REAL NOT NULL,
	taken_at TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES apply_sessions(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS safety_events_undelivered
ON safety_events(delivered, delivery_attempts, created_at);

CREATE INDEX IF NOT EXISTS apply_sessions_status_expires
ON apply_sessions(status, expires_at);

CREATE INDEX IF NOT EXISTS flash_jobs_updated_at
ON flash_jobs(updated_at DESC);

CREATE INDEX IF NOT EXISTS safety_snapshots_session
ON safety_snapshots(session_id, taken_at);
`,
		DownSQL: `
DROP TABLE IF EXISTS safety_snapshots;
DROP TABLE IF EXISTS flash_jobs;
DROP TABLE IF EXISTS apply_sessions;
DROP TABLE IF EXISTS safety_events;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
