package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/hivesync/internal/model"
)

const attemptColumns = `a.id, a.assignment_id, a.shared_task_id, a.node_id, a.executor, a.executor_variant, a.branch, a.target_branch, a.container_ref, a.worktree_deleted, a.setup_completed_at, a.created_at, a.updated_at, a.sync_state, a.sync_requested_at, a.backfill_request_id, a.last_full_sync_at`

// UpsertAttempt stores a node's report of an attempt. New attempts start in
// partial unless the write is a full sync. Existing attempts get their
// execution descriptor refreshed while the sync columns stay untouched.
func (s *Store) UpsertAttempt(ctx context.Context, in model.UpsertAttempt, now time.Time) (model.NodeTaskAttempt, error) {
	if err := validateUpsertAttempt(in); err != nil {
		return model.NodeTaskAttempt{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	state := model.SyncStatePartial
	var lastFullSync any
	if in.FullSync {
		state = model.SyncStateComplete
		lastFullSync = ts(now)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO node_task_attempts(id, assignment_id, shared_task_id, node_id, executor, executor_variant, branch, target_branch, container_ref, worktree_deleted, setup_completed_at, created_at, updated_at, sync_state, last_full_sync_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	assignment_id=excluded.assignment_id,
	executor=excluded.executor,
	executor_variant=excluded.executor_variant,
	branch=excluded.branch,
	target_branch=excluded.target_branch,
	container_ref=excluded.container_ref,
	worktree_deleted=excluded.worktree_deleted,
	setup_completed_at=excluded.setup_completed_at,
	updated_at=excluded.updated_at
WHERE node_task_attempts.node_id = excluded.node_id
`, in.ID, nullableStr(in.AssignmentID), in.SharedTaskID, in.NodeID, in.Executor, nullableStr(in.ExecutorVariant), in.Branch, in.TargetBranch, nullableStr(in.ContainerRef), boolToInt(in.WorktreeDeleted), nullableTS(in.SetupCompletedAt), ts(in.CreatedAt), ts(in.UpdatedAt), string(state), lastFullSync)
	if err != nil {
		if isForeignKeyErr(err) {
			return model.NodeTaskAttempt{}, fmt.Errorf("upsert attempt %s: node %s: %w", in.ID, in.NodeID, ErrNotFound)
		}
		return model.NodeTaskAttempt{}, fmt.Errorf("upsert attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.NodeTaskAttempt{}, fmt.Errorf("upsert attempt rows affected: %w", err)
	}
	if affected == 0 {
		return model.NodeTaskAttempt{}, fmt.Errorf("attempt %s belongs to another node: %w", in.ID, ErrDuplicate)
	}
	return s.GetAttempt(ctx, in.ID)
}

func validateUpsertAttempt(in model.UpsertAttempt) error {
	ids := []struct{ field, value string }{
		{"id", in.ID},
		{"shared_task_id", in.SharedTaskID},
		{"node_id", in.NodeID},
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id.value); err != nil {
			return model.Invalid(id.field, "must be a UUID")
		}
	}
	if strings.TrimSpace(in.Executor) == "" {
		return model.Invalid("executor", "is required")
	}
	if strings.TrimSpace(in.Branch) == "" {
		return model.Invalid("branch", "is required")
	}
	if strings.TrimSpace(in.TargetBranch) == "" {
		return model.Invalid("target_branch", "is required")
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID string) (model.NodeTaskAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM node_task_attempts a WHERE a.id = ?`, attemptID)
	return scanAttempt(row)
}

func (s *Store) ListAttemptsBySharedTask(ctx context.Context, sharedTaskID string) ([]model.NodeTaskAttempt, error) {
	return s.listAttempts(ctx, "list attempts by shared task", `
SELECT `+attemptColumns+`
FROM node_task_attempts a
WHERE a.shared_task_id = ?
ORDER BY a.created_at DESC, a.id ASC
`, sharedTaskID)
}

func (s *Store) ListAttemptsByNode(ctx context.Context, nodeID string) ([]model.NodeTaskAttempt, error) {
	return s.listAttempts(ctx, "list attempts by node", `
SELECT `+attemptColumns+`
FROM node_task_attempts a
WHERE a.node_id = ?
ORDER BY a.created_at DESC, a.id ASC
`, nodeID)
}

// ListIncompleteWithOnlineNodes pages through attempts that are not complete
// and whose node has heartbeated at or after liveSince. Nodes that explicitly
// disconnected are skipped.
func (s *Store) ListIncompleteWithOnlineNodes(ctx context.Context, liveSince time.Time, limit, offset int) ([]model.NodeTaskAttempt, error) {
	if limit <= 0 {
		return []model.NodeTaskAttempt{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	return s.listAttempts(ctx, "list incomplete attempts with online nodes", `
SELECT `+attemptColumns+`
FROM node_task_attempts a
JOIN nodes n ON n.id = a.node_id
WHERE a.sync_state != 'complete'
  AND n.status != 'offline'
  AND n.last_heartbeat_at IS NOT NULL
  AND n.last_heartbeat_at >= ?
ORDER BY a.created_at DESC, a.id ASC
LIMIT ? OFFSET ?
`, ts(liveSince), limit, offset)
}

// AttemptCursor is the last row of a page in created_at DESC, id ASC order.
type AttemptCursor struct {
	CreatedAt time.Time
	ID        string
}

// ListPartialWithOnlineNodes returns partial attempts of live nodes that sort
// after the cursor. It pages by key rather than offset because the caller
// claims rows between pages, which drops them out of the result set.
func (s *Store) ListPartialWithOnlineNodes(ctx context.Context, liveSince time.Time, after *AttemptCursor, limit int) ([]model.NodeTaskAttempt, error) {
	if limit <= 0 {
		return []model.NodeTaskAttempt{}, nil
	}
	args := []any{ts(liveSince)}
	keyset := ""
	if after != nil {
		keyset = "\n  AND (a.created_at < ? OR (a.created_at = ? AND a.id > ?))"
		args = append(args, ts(after.CreatedAt), ts(after.CreatedAt), after.ID)
	}
	args = append(args, limit)
	return s.listAttempts(ctx, "list partial attempts with online nodes", `
SELECT `+attemptColumns+`
FROM node_task_attempts a
JOIN nodes n ON n.id = a.node_id
WHERE a.sync_state = 'partial'
  AND n.status != 'offline'
  AND n.last_heartbeat_at IS NOT NULL
  AND n.last_heartbeat_at >= ?`+keyset+`
ORDER BY a.created_at DESC, a.id ASC
LIMIT ?
`, args...)
}

func (s *Store) ListPartialForNode(ctx context.Context, nodeID string, limit int) ([]model.NodeTaskAttempt, error) {
	if limit <= 0 {
		return []model.NodeTaskAttempt{}, nil
	}
	return s.listAttempts(ctx, "list partial attempts for node", `
SELECT `+attemptColumns+`
FROM node_task_attempts a
WHERE a.node_id = ?
  AND a.sync_state = 'partial'
ORDER BY a.created_at DESC, a.id ASC
LIMIT ?
`, nodeID, limit)
}

func (s *Store) ListAttemptsByBackfillRequest(ctx context.Context, requestID string) ([]model.NodeTaskAttempt, error) {
	return s.listAttempts(ctx, "list attempts by backfill request", `
SELECT `+attemptColumns+`
FROM node_task_attempts a
WHERE a.backfill_request_id = ?
ORDER BY a.id ASC
`, requestID)
}

// MarkPendingBackfill moves nodeID's given attempts from partial to
// pending_backfill. Attempts in any other state or of another node are
// skipped.
func (s *Store) MarkPendingBackfill(ctx context.Context, nodeID string, attemptIDs []string, requestID string, now time.Time) (int64, error) {
	ids := dedupeNonEmpty(attemptIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	if strings.TrimSpace(requestID) == "" {
		return 0, model.Invalid("request_id", "is required")
	}
	args := make([]any, 0, 4+len(ids))
	args = append(args, ts(now), requestID, ts(now))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, nodeID)
	return s.execCount(ctx, "mark pending backfill", fmt.Sprintf(`
UPDATE node_task_attempts SET
	sync_state='pending_backfill',
	sync_requested_at=?,
	backfill_request_id=?,
	updated_at=?
WHERE id IN (%s)
  AND node_id = ?
  AND sync_state = 'partial'
`, placeholders(len(ids))), args...)
}

// MarkComplete sets the attempt complete from any state. last_full_sync_at is
// kept when the attempt was already complete.
func (s *Store) MarkComplete(ctx context.Context, attemptID string, now time.Time) (int64, error) {
	return s.execCount(ctx, "mark complete", `
UPDATE node_task_attempts SET
	sync_state='complete',
	backfill_request_id=NULL,
	last_full_sync_at=CASE
		WHEN sync_state = 'complete' AND last_full_sync_at IS NOT NULL THEN last_full_sync_at
		ELSE ?
	END,
	updated_at=?
WHERE id = ?
`, ts(now), ts(now), attemptID)
}

// MarkPartial reverts a pending_backfill attempt to partial. Other states are
// left alone.
func (s *Store) MarkPartial(ctx context.Context, attemptID string, now time.Time) (int64, error) {
	return s.execCount(ctx, "mark partial", `
UPDATE node_task_attempts SET
	sync_state='partial',
	sync_requested_at=NULL,
	backfill_request_id=NULL,
	updated_at=?
WHERE id = ?
  AND sync_state = 'pending_backfill'
`, ts(now), attemptID)
}

// MarkRequestPartial reverts attempts that are still pending under requestID.
// Attempts since re-requested under another id are not touched.
func (s *Store) MarkRequestPartial(ctx context.Context, requestID string, attemptIDs []string, now time.Time) (int64, error) {
	ids := dedupeNonEmpty(attemptIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, 2+len(ids))
	args = append(args, ts(now), requestID)
	for _, id := range ids {
		args = append(args, id)
	}
	return s.execCount(ctx, "mark request partial", fmt.Sprintf(`
UPDATE node_task_attempts SET
	sync_state='partial',
	sync_requested_at=NULL,
	backfill_request_id=NULL,
	updated_at=?
WHERE sync_state = 'pending_backfill'
  AND backfill_request_id = ?
  AND id IN (%s)
`, placeholders(len(ids))), args...)
}

// ExpireStalePendingBackfill reverts pending_backfill attempts requested
// before cutoff.
func (s *Store) ExpireStalePendingBackfill(ctx context.Context, cutoff, now time.Time) (int64, error) {
	return s.execCount(ctx, "expire stale pending backfill", `
UPDATE node_task_attempts SET
	sync_state='partial',
	sync_requested_at=NULL,
	backfill_request_id=NULL,
	updated_at=?
WHERE sync_state = 'pending_backfill'
  AND sync_requested_at < ?
`, ts(now), ts(cutoff))
}

func (s *Store) FailNodeBackfills(ctx context.Context, nodeID string, now time.Time) (int64, error) {
	return s.execCount(ctx, "fail node backfills", `
UPDATE node_task_attempts SET
	sync_state='partial',
	sync_requested_at=NULL,
	backfill_request_id=NULL,
	updated_at=?
WHERE node_id = ?
  AND sync_state = 'pending_backfill'
`, ts(now), nodeID)
}

// ResetCompleteToPartial is the administrative resync. last_full_sync_at is kept.
func (s *Store) ResetCompleteToPartial(ctx context.Context, attemptID string, now time.Time) (int64, error) {
	return s.execCount(ctx, "reset complete to partial", `
UPDATE node_task_attempts SET
	sync_state='partial',
	sync_requested_at=NULL,
	updated_at=?
WHERE id = ?
  AND sync_state = 'complete'
`, ts(now), attemptID)
}

func (s *Store) DeleteAttempt(ctx context.Context, attemptID string) error {
	n, err := s.execCount(ctx, "delete attempt", `DELETE FROM node_task_attempts WHERE id = ?`, attemptID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SyncSummary(ctx context.Context) (model.SyncSummary, error) {
	byNode, err := s.SyncSummaryByNode(ctx)
	if err != nil {
		return model.SyncSummary{}, err
	}
	var total model.SyncSummary
	for _, summary := range byNode {
		total.Partial += summary.Partial
		total.PendingBackfill += summary.PendingBackfill
		total.Complete += summary.Complete
	}
	return total, nil
}

func (s *Store) SyncSummaryByNode(ctx context.Context) (map[string]model.SyncSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT node_id, sync_state, COUNT(*)
FROM node_task_attempts
GROUP BY node_id, sync_state
`)
	if err != nil {
		return nil, fmt.Errorf("sync summary: %w", err)
	}
	defer rows.Close()

	out := map[string]model.SyncSummary{}
	for rows.Next() {
		var (
			nodeID string
			state  string
			count  int64
		)
		if err := rows.Scan(&nodeID, &state, &count); err != nil {
			return nil, fmt.Errorf("scan sync summary: %w", err)
		}
		summary := out[nodeID]
		switch model.SyncState(state) {
		case model.SyncStatePartial:
			summary.Partial = count
		case model.SyncStatePendingBackfill:
			summary.PendingBackfill = count
		case model.SyncStateComplete:
			summary.Complete = count
		}
		out[nodeID] = summary
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sync summary: %w", err)
	}
	return out, nil
}

// GetRemoteAttemptContext joins an attempt with its node's last-known status and URL.
func (s *Store) GetRemoteAttemptContext(ctx context.Context, attemptID string) (model.RemoteAttemptContext, error) {
	var (
		rc        model.RemoteAttemptContext
		status    string
		publicURL sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT a.id, a.shared_task_id, n.id, n.status, n.public_url
FROM node_task_attempts a
JOIN nodes n ON n.id = a.node_id
WHERE a.id = ?
`, attemptID).Scan(&rc.AttemptID, &rc.SharedTaskID, &rc.NodeID, &status, &publicURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RemoteAttemptContext{}, ErrNotFound
		}
		return model.RemoteAttemptContext{}, fmt.Errorf("get remote attempt context: %w", err)
	}
	rc.NodeStatus = model.NodeStatus(status)
	rc.NodeURL = scanNullStr(publicURL)
	return rc, nil
}

func (s *Store) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n, nil
}

func (s *Store) listAttempts(ctx context.Context, op, query string, args ...any) ([]model.NodeTaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]model.NodeTaskAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter %s: %w", op, err)
	}
	return out, nil
}

func scanAttempt(scanner rowScanner) (model.NodeTaskAttempt, error) {
	var (
		a                 model.NodeTaskAttempt
		assignmentID      sql.NullString
		executorVariant   sql.NullString
		containerRef      sql.NullString
		worktreeDeleted   int
		setupCompletedAt  sql.NullString
		createdAt         string
		updatedAt         string
		syncState         string
		syncRequestedAt   sql.NullString
		backfillRequestID sql.NullString
		lastFullSyncAt    sql.NullString
	)
	if err := scanner.Scan(&a.ID, &assignmentID, &a.SharedTaskID, &a.NodeID, &a.Executor, &executorVariant, &a.Branch, &a.TargetBranch, &containerRef, &worktreeDeleted, &setupCompletedAt, &createdAt, &updatedAt, &syncState, &syncRequestedAt, &backfillRequestID, &lastFullSyncAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.NodeTaskAttempt{}, ErrNotFound
		}
		return model.NodeTaskAttempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	var err error
	a.AssignmentID = scanNullStr(assignmentID)
	a.ExecutorVariant = scanNullStr(executorVariant)
	a.ContainerRef = scanNullStr(containerRef)
	a.WorktreeDeleted = worktreeDeleted == 1
	a.SyncState = model.SyncState(syncState)
	a.BackfillRequestID = scanNullStr(backfillRequestID)
	if a.SetupCompletedAt, err = scanNullTS(setupCompletedAt, "attempt setup_completed_at"); err != nil {
		return model.NodeTaskAttempt{}, err
	}
	if a.SyncRequestedAt, err = scanNullTS(syncRequestedAt, "attempt sync_requested_at"); err != nil {
		return model.NodeTaskAttempt{}, err
	}
	if a.LastFullSyncAt, err = scanNullTS(lastFullSyncAt, "attempt last_full_sync_at"); err != nil {
		return model.NodeTaskAttempt{}, err
	}
	if a.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.NodeTaskAttempt{}, fmt.Errorf("parse attempt created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.NodeTaskAttempt{}, fmt.Errorf("parse attempt updated_at: %w", err)
	}
	return a, nil
}
