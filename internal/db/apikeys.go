package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/hivesync/internal/model"
)

func (s *Store) InsertAPIKey(ctx context.Context, key model.NodeAPIKey) error {
	if strings.TrimSpace(key.OrganizationID) == "" {
		return model.Invalid("organization_id", "is required")
	}
	if strings.TrimSpace(key.KeyHash) == "" {
		return model.Invalid("key_hash", "is required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO node_api_keys(id, organization_id, node_id, name, key_hash, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, key.ID, key.OrganizationID, nullableStr(key.NodeID), key.Name, key.KeyHash, ts(key.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return fmt.Errorf("insert api key: node: %w", ErrNotFound)
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (model.NodeAPIKey, error) {
	var (
		k          model.NodeAPIKey
		nodeID     sql.NullString
		createdAt  string
		lastUsedAt sql.NullString
		revokedAt  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, node_id, name, key_hash, created_at, last_used_at, revoked_at
FROM node_api_keys
WHERE key_hash = ?
`, keyHash).Scan(&k.ID, &k.OrganizationID, &nodeID, &k.Name, &k.KeyHash, &createdAt, &lastUsedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.NodeAPIKey{}, ErrNotFound
		}
		return model.NodeAPIKey{}, fmt.Errorf("get api key: %w", err)
	}
	k.NodeID = scanNullStr(nodeID)
	if k.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.NodeAPIKey{}, fmt.Errorf("parse api key created_at: %w", err)
	}
	if k.LastUsedAt, err = scanNullTS(lastUsedAt, "api key last_used_at"); err != nil {
		return model.NodeAPIKey{}, err
	}
	if k.RevokedAt, err = scanNullTS(revokedAt, "api key revoked_at"); err != nil {
		return model.NodeAPIKey{}, err
	}
	return k, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, keyID string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE node_api_keys SET last_used_at = ? WHERE id = ?`, ts(now), keyID); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, keyID string, now time.Time) error {
	n, err := s.execCount(ctx, "revoke api key", `UPDATE node_api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, ts(now), keyID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
