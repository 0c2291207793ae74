// Package auth resolves a bearer credential into exactly one identity:
// an operator session, a node API key, or unauthenticated.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/g960059/hivesync/internal/config"
	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/model"
)

const (
	KeyPrefix   = "hk_"
	keyRawBytes = 32
)

// Outcome is one of Session, NodeKey or Unauthenticated.
type Outcome interface {
	outcome()
}

type Session struct {
	UserID string
	// OrganizationID scopes the session. Empty means every organization.
	OrganizationID string
}

type NodeKey struct {
	OrganizationID string
	// NodeID is set when the key is bound to one node.
	NodeID   *string
	APIKeyID string
}

type Unauthenticated struct {
	Reason string
}

func (Session) outcome()         {}
func (NodeKey) outcome()         {}
func (Unauthenticated) outcome() {}

// AllowsNode reports whether the key may act for nodeID. Organization
// membership is checked by the caller against the node record.
func (k NodeKey) AllowsNode(nodeID string) bool {
	return k.NodeID == nil || *k.NodeID == nodeID
}

func (s Session) AllowsOrganization(orgID string) bool {
	return s.OrganizationID == "" || s.OrganizationID == orgID
}

type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (Session, bool, error)
}

type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (model.NodeAPIKey, error)
	TouchAPIKey(ctx context.Context, keyID string, now time.Time) error
}

type Resolver struct {
	sessions SessionValidator
	keys     KeyStore
	clock    clock.Clock
}

func NewResolver(sessions SessionValidator, keys KeyStore, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	return &Resolver{sessions: sessions, keys: keys, clock: clk}
}

// Resolve maps an Authorization header value to an Outcome. Sessions are
// tried first, then node API keys. Only store failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, authorization string) (Outcome, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return Unauthenticated{Reason: "missing bearer token"}, nil
	}
	if r.sessions != nil {
		session, ok, err := r.sessions.ValidateSession(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("validate session: %w", err)
		}
		if ok {
			return session, nil
		}
	}
	if r.keys == nil || !strings.HasPrefix(token, KeyPrefix) {
		return Unauthenticated{Reason: "unknown credential"}, nil
	}
	key, err := r.keys.GetAPIKeyByHash(ctx, HashKey(token))
	if errors.Is(err, db.ErrNotFound) {
		return Unauthenticated{Reason: "unknown api key"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if key.RevokedAt != nil {
		return Unauthenticated{Reason: "api key revoked"}, nil
	}
	if err := r.keys.TouchAPIKey(ctx, key.ID, r.clock.Now().UTC()); err != nil {
		return nil, err
	}
	return NodeKey{OrganizationID: key.OrganizationID, NodeID: key.NodeID, APIKeyID: key.ID}, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a fresh raw key and its storage hash.
func GenerateKey() (raw, hash string, err error) {
	buf := make([]byte, keyRawBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = KeyPrefix + hex.EncodeToString(buf)
	return raw, HashKey(raw), nil
}

type KeyInserter interface {
	InsertAPIKey(ctx context.Context, key model.NodeAPIKey) error
}

// IssueKey stores a new key and returns the raw value, which is not
// recoverable afterwards.
func IssueKey(ctx context.Context, store KeyInserter, organizationID string, nodeID *string, name string, now time.Time) (string, model.NodeAPIKey, error) {
	raw, hash, err := GenerateKey()
	if err != nil {
		return "", model.NodeAPIKey{}, err
	}
	key := model.NodeAPIKey{
		ID:             uuid.NewString(),
		OrganizationID: strings.TrimSpace(organizationID),
		NodeID:         nodeID,
		Name:           strings.TrimSpace(name),
		KeyHash:        hash,
		CreatedAt:      now.UTC(),
	}
	if err := store.InsertAPIKey(ctx, key); err != nil {
		return "", model.NodeAPIKey{}, err
	}
	return raw, key, nil
}

// StaticSessions validates operator tokens from configuration.
type StaticSessions struct {
	sessions []config.SessionConfig
}

func NewStaticSessions(sessions []config.SessionConfig) *StaticSessions {
	return &StaticSessions{sessions: append([]config.SessionConfig(nil), sessions...)}
}

func (s *StaticSessions) ValidateSession(_ context.Context, token string) (Session, bool, error) {
	for _, candidate := range s.sessions {
		if candidate.Token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate.Token), []byte(token)) == 1 {
			return Session{UserID: candidate.UserID, OrganizationID: candidate.OrganizationID}, true, nil
		}
	}
	return Session{}, false, nil
}
