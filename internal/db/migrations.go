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

CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','online','offline','busy','draining')),
	capabilities_json TEXT NOT NULL DEFAULT '{}',
	public_url TEXT,
	last_heartbeat_at TEXT,
	connected_at TEXT,
	disconnected_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(organization_id, machine_id)
);

CREATE INDEX IF NOT EXISTS nodes_org_idx ON nodes(organization_id);
CREATE INDEX IF NOT EXISTS nodes_heartbeat_idx ON nodes(last_heartbeat_at);

CREATE TABLE IF NOT EXISTS node_task_attempts (
	id TEXT PRIMARY KEY,
	assignment_id TEXT,
	shared_task_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	executor TEXT NOT NULL,
	executor_variant TEXT,
	branch TEXT NOT NULL,
	target_branch TEXT NOT NULL,
	container_ref TEXT,
	worktree_deleted INTEGER NOT NULL DEFAULT 0,
	setup_completed_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	sync_state TEXT NOT NULL DEFAULT 'partial' CHECK(sync_state IN ('partial','pending_backfill','complete')),
	sync_requested_at TEXT,
	backfill_request_id TEXT,
	last_full_sync_at TEXT,
	CHECK((sync_state = 'pending_backfill') = (backfill_request_id IS NOT NULL)),
	FOREIGN KEY(node_id) REFERENCES nodes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS node_task_attempts_shared_task_idx ON node_task_attempts(shared_task_id);
CREATE INDEX IF NOT EXISTS node_task_attempts_node_state_idx ON node_task_attempts(node_id, sync_state);
CREATE INDEX IF NOT EXISTS node_task_attempts_state_created_idx ON node_task_attempts(sync_state, created_at DESC);
CREATE INDEX IF NOT EXISTS node_task_attempts_backfill_request_idx
ON node_task_attempts(backfill_request_id)
WHERE backfill_request_id IS NOT NULL;
`,
		DownSQL: `
DROP TABLE IF EXISTS node_task_attempts;
DROP TABLE IF EXISTS nodes;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS node_api_keys (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	node_id TEXT,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	last_used_at TEXT,
	revoked_at TEXT,
	FOREIGN KEY(node_id) REFERENCES nodes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS node_api_keys_org_idx ON node_api_keys(organization_id);
`,
		DownSQL: `
DROP TABLE IF EXISTS node_api_keys;
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
