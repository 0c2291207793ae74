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

const nodeColumns = `id, organization_id, name, machine_id, status, capabilities_json, public_url, last_heartbeat_at, connected_at, disconnected_at, created_at, updated_at`

// NodeChange carries a node before and after a status mutation so callers can
// detect reconnects.
type NodeChange struct {
	Previous model.Node
	Current  model.Node
}

// RegisterNode creates the node on first registration and otherwise refreshes
// its descriptive fields. Status and connectivity columns are left alone.
func (s *Store) RegisterNode(ctx context.Context, reg model.NodeRegistration, now time.Time) (model.Node, error) {
	orgID := strings.TrimSpace(reg.OrganizationID)
	machineID := strings.TrimSpace(reg.MachineID)
	name := strings.TrimSpace(reg.Name)
	if orgID == "" {
		return model.Node{}, model.Invalid("organization_id", "is required")
	}
	if machineID == "" {
		return model.Node{}, model.Invalid("machine_id", "is required")
	}
	if name == "" {
		name = machineID
	}
	capabilities, err := marshalCapabilities(reg.Capabilities)
	if err != nil {
		return model.Node{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO nodes(id, organization_id, name, machine_id, status, capabilities_json, public_url, created_at, updated_at)
VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?)
ON CONFLICT(organization_id, machine_id) DO UPDATE SET
	name=excluded.name,
	capabilities_json=excluded.capabilities_json,
	public_url=excluded.public_url,
	updated_at=excluded.updated_at
`, uuid.NewString(), orgID, name, machineID, capabilities, nullableStr(reg.PublicURL), ts(now), ts(now))
	if err != nil {
		return model.Node{}, fmt.Errorf("register node: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE organization_id = ? AND machine_id = ?`, orgID, machineID)
	return scanNode(row)
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	return getNode(ctx, s.db, nodeID)
}

func getNode(ctx context.Context, q queryer, nodeID string) (model.Node, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, nodeID)
	return scanNode(row)
}

// ListNodes returns nodes ordered by name. An empty organizationID lists every node.
func (s *Store) ListNodes(ctx context.Context, organizationID string) ([]model.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	args := []any{}
	if org := strings.TrimSpace(organizationID); org != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, org)
	}
	query += ` ORDER BY name ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]model.Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter nodes: %w", err)
	}
	return out, nil
}

// RecordHeartbeat applies a heartbeat in one transaction. Draining is sticky,
// last_heartbeat_at never moves backwards and connected_at is stamped when the
// node moves into a connected status.
func (s *Store) RecordHeartbeat(ctx context.Context, hb model.HeartbeatPayload, now time.Time) (NodeChange, error) {
	var capabilities any
	if hb.Capabilities != nil {
		raw, err := marshalCapabilities(*hb.Capabilities)
		if err != nil {
			return NodeChange{}, err
		}
		capabilities = raw
	}
	return s.mutateNode(ctx, hb.NodeID, `
UPDATE nodes SET
	status=CASE WHEN status = 'draining' THEN status ELSE ? END,
	connected_at=CASE
		WHEN status NOT IN ('online','busy','draining') AND ? IN ('online','busy') THEN ?
		ELSE connected_at
	END,
	last_heartbeat_at=CASE
		WHEN last_heartbeat_at IS NULL OR last_heartbeat_at < ? THEN ?
		ELSE last_heartbeat_at
	END,
	capabilities_json=COALESCE(?, capabilities_json),
	updated_at=?
WHERE id = ?
`, string(hb.Status), string(hb.Status), ts(now), ts(now), ts(now), capabilities, ts(now), hb.NodeID)
}

// ConnectNode records an explicit connect. A draining node stays draining.
func (s *Store) ConnectNode(ctx context.Context, nodeID string, now time.Time) (NodeChange, error) {
	return s.mutateNode(ctx, nodeID, `
UPDATE nodes SET
	status=CASE WHEN status = 'draining' THEN status ELSE 'online' END,
	connected_at=?,
	last_heartbeat_at=CASE
		WHEN last_heartbeat_at IS NULL OR last_heartbeat_at < ? THEN ?
		ELSE last_heartbeat_at
	END,
	updated_at=?
WHERE id = ?
`, ts(now), ts(now), ts(now), ts(now), nodeID)
}

func (s *Store) DisconnectNode(ctx context.Context, nodeID string, now time.Time) (NodeChange, error) {
	return s.mutateNode(ctx, nodeID, `
UPDATE nodes SET
	status=CASE WHEN status = 'draining' THEN status ELSE 'offline' END,
	disconnected_at=?,
	updated_at=?
WHERE id = ?
`, ts(now), ts(now), nodeID)
}

func (s *Store) DrainNode(ctx context.Context, nodeID string, now time.Time) (NodeChange, error) {
	return s.mutateNode(ctx, nodeID, `UPDATE nodes SET status='draining', updated_at=? WHERE id = ?`, ts(now), nodeID)
}

// UndrainNode only applies to draining nodes; other statuses are returned unchanged.
func (s *Store) UndrainNode(ctx context.Context, nodeID string, now time.Time) (NodeChange, error) {
	return s.mutateNode(ctx, nodeID, `UPDATE nodes SET status='online', updated_at=? WHERE id = ? AND status = 'draining'`, ts(now), nodeID)
}

func (s *Store) mutateNode(ctx context.Context, nodeID, update string, args ...any) (NodeChange, error) {
	var change NodeChange
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := getNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("update node %s: %w", nodeID, err)
		}
		cur, err := getNode(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		change = NodeChange{Previous: prev, Current: cur}
		return nil
	})
	if err != nil {
		return NodeChange{}, err
	}
	return change, nil
}

// StaleNode is a node flipped offline by MarkStaleNodesOffline, with the
// status it had before.
type StaleNode struct {
	ID     string
	Status model.NodeStatus
}

// MarkStaleNodesOffline flips online/busy nodes whose last heartbeat is older
// than cutoff to offline.
func (s *Store) MarkStaleNodesOffline(ctx context.Context, cutoff, now time.Time) ([]StaleNode, error) {
	out := make([]StaleNode, 0)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, status
FROM nodes
WHERE status IN ('online','busy')
  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)
ORDER BY id ASC
`, ts(cutoff))
		if err != nil {
			return fmt.Errorf("list stale nodes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				n      StaleNode
				status string
			)
			if err := rows.Scan(&n.ID, &status); err != nil {
				return fmt.Errorf("scan stale node: %w", err)
			}
			n.Status = model.NodeStatus(status)
			out = append(out, n)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iter stale nodes: %w", err)
		}
		rows.Close()
		if len(out) == 0 {
			return nil
		}

		args := make([]any, 0, 2+len(out))
		args = append(args, ts(now), ts(now))
		for _, n := range out {
			args = append(args, n.ID)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE nodes SET
	status='offline',
	disconnected_at=?,
	updated_at=?
WHERE id IN (%s)
`, placeholders(len(out))), args...)
		if err != nil {
			return fmt.Errorf("mark stale nodes offline: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanNode(scanner rowScanner) (model.Node, error) {
	var (
		n               model.Node
		status          string
		capabilities    string
		publicURL       sql.NullString
		lastHeartbeatAt sql.NullString
		connectedAt     sql.NullString
		disconnectedAt  sql.NullString
		createdAt       string
		updatedAt       string
	)
	if err := scanner.Scan(&n.ID, &n.OrganizationID, &n.Name, &n.MachineID, &status, &capabilities, &publicURL, &lastHeartbeatAt, &connectedAt, &disconnectedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Node{}, ErrNotFound
		}
		return model.Node{}, fmt.Errorf("scan node: %w", err)
	}
	var err error
	n.Status = model.NodeStatus(status)
	if n.Capabilities, err = unmarshalCapabilities(capabilities); err != nil {
		return model.Node{}, err
	}
	n.PublicURL = scanNullStr(publicURL)
	if n.LastHeartbeatAt, err = scanNullTS(lastHeartbeatAt, "node last_heartbeat_at"); err != nil {
		return model.Node{}, err
	}
	if n.ConnectedAt, err = scanNullTS(connectedAt, "node connected_at"); err != nil {
		return model.Node{}, err
	}
	if n.DisconnectedAt, err = scanNullTS(disconnectedAt, "node disconnected_at"); err != nil {
		return model.Node{}, err
	}
	if n.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Node{}, fmt.Errorf("parse node created_at: %w", err)
	}
	if n.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Node{}, fmt.Errorf("parse node updated_at: %w", err)
	}
	return n, nil
}
