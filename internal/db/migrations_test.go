package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	mustExist := []string{"nodes", "node_task_attempts", "node_api_keys"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	now := ts(time.Now())
	_, err := db.ExecContext(ctx, `INSERT INTO nodes(id, organization_id, name, machine_id, created_at, updated_at) VALUES('n1','o1','node-1','m1',?,?)`, now, now)
	if err != nil {
		t.Fatalf("insert node: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO nodes(id, organization_id, name, machine_id, created_at, updated_at) VALUES('n2','o1','node-2','m1',?,?)`, now, now)
	if err == nil {
		t.Fatalf("expected unique violation on (organization_id, machine_id)")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO nodes(id, organization_id, name, machine_id, status, created_at, updated_at) VALUES('n3','o1','node-3','m3','asleep',?,?)`, now, now)
	if err == nil {
		t.Fatalf("expected status check constraint failure")
	}

	insertAttempt := `INSERT INTO node_task_attempts(id, shared_task_id, node_id, executor, branch, target_branch, created_at, updated_at, sync_state, backfill_request_id) VALUES(?,?,?,?,?,?,?,?,?,?)`
	if _, err := db.ExecContext(ctx, insertAttempt, "a1", "s1", "n1", "claude-code", "b", "main", now, now, "partial", nil); err != nil {
		t.Fatalf("insert partial attempt: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertAttempt, "a2", "s1", "missing-node", "claude-code", "b", "main", now, now, "partial", nil); err == nil {
		t.Fatalf("expected FK violation for missing node")
	}
	if _, err := db.ExecContext(ctx, insertAttempt, "a3", "s1", "n1", "claude-code", "b", "main", now, now, "pending_backfill", nil); err == nil {
		t.Fatalf("expected pending_backfill without request id to be rejected")
	}
	if _, err := db.ExecContext(ctx, insertAttempt, "a4", "s1", "n1", "claude-code", "b", "main", now, now, "partial", "r1"); err == nil {
		t.Fatalf("expected partial with request id to be rejected")
	}
}

func TestTimestampsOrderAsText(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	whole := ts(base)
	fractional := ts(base.Add(500 * time.Millisecond))
	if !(whole < fractional) {
		t.Fatalf("expected %q < %q", whole, fractional)
	}
	parsed, err := parseTS(fractional)
	if err != nil {
		t.Fatalf("parse ts: %v", err)
	}
	if !parsed.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("round trip mismatch: %v", parsed)
	}
}
