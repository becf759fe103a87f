package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the layout created by Migrate.
const SchemaVersion = 1

// Migrate creates the schema in one transaction. It is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		// times are unix nanoseconds so that watermark compare-and-set is exact
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			sender_ip TEXT NOT NULL DEFAULT '',
			free_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL,
			folder_name TEXT NOT NULL DEFAULT '',
			dfu_upload_name TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			duration INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_start ON jobs(status, start_time);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_device ON jobs(device_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", current, SchemaVersion)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	return tx.Commit()
}
