package model

import (
	"fmt"
	"strings"
	"time"
)

// NodeStatus is the connectivity status persisted in the node registry.
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "pending"
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusBusy     NodeStatus = "busy"
	NodeStatusDraining NodeStatus = "draining"
)

func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusOnline, NodeStatusOffline, NodeStatusBusy, NodeStatusDraining:
		return true
	default:
		return false
	}
}

// Connected reports whether a node in this status is accepting work.
func (s NodeStatus) Connected() bool {
	return s == NodeStatusOnline || s == NodeStatusBusy
}

// ParseNodeStatus normalizes a status reported over the wire. Unknown values
// come back as a *ValidationError.
func ParseNodeStatus(raw string) (NodeStatus, error) {
	s := NodeStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch {
	case s == "":
		return "", Invalid("status", "is required")
	case !s.Valid():
		return "", Invalid("status", fmt.Sprintf("unknown node status %q", raw))
	}
	return s, nil
}

// SyncState tracks how much of an attempt's record the Hive holds.
type SyncState string

const (
	SyncStatePartial         SyncState = "partial"
	SyncStatePendingBackfill SyncState = "pending_backfill"
	SyncStateComplete        SyncState = "complete"
)

func (s SyncState) Valid() bool {
	switch s {
	case SyncStatePartial, SyncStatePendingBackfill, SyncStateComplete:
		return true
	default:
		return false
	}
}

const DefaultMaxConcurrentTasks = 1

type NodeCapabilities struct {
	Executors          []string `json:"executors"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	OS                 string   `json:"os"`
	Arch               string   `json:"arch"`
	Version            string   `json:"version"`
}

type Node struct {
	ID              string
	OrganizationID  string
	Name            string
	MachineID       string
	Status          NodeStatus
	Capabilities    NodeCapabilities
	PublicURL       *string
	LastHeartbeatAt *time.Time
	ConnectedAt     *time.Time
	DisconnectedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type NodeRegistration struct {
	OrganizationID string
	Name           string
	MachineID      string
	Capabilities   NodeCapabilities
	PublicURL      *string
}

type HeartbeatPayload struct {
	NodeID       string
	Status       NodeStatus
	Capabilities *NodeCapabilities
}

// NodeTaskAttempt is one execution run of a shared task on a node.
type NodeTaskAttempt struct {
	ID                string
	AssignmentID      *string
	SharedTaskID      string
	NodeID            string
	Executor          string
	ExecutorVariant   *string
	Branch            string
	TargetBranch      string
	ContainerRef      *string
	WorktreeDeleted   bool
	SetupCompletedAt  *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SyncState         SyncState
	SyncRequestedAt   *time.Time
	BackfillRequestID *string
	LastFullSyncAt    *time.Time
}

type UpsertAttempt struct {
	ID               string
	AssignmentID     *string
	SharedTaskID     string
	NodeID           string
	Executor         string
	ExecutorVariant  *string
	Branch           string
	TargetBranch     string
	ContainerRef     *string
	WorktreeDeleted  bool
	SetupCompletedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// FullSync marks a write that already carries the complete record. It only
	// affects the initial insert.
	FullSync bool
}

// BackfillRequest correlates an outbound resend request with its response.
// The backfill_request_id column on attempts is the durable copy.
type BackfillRequest struct {
	RequestID   string
	NodeID      string
	AttemptIDs  []string
	RequestedAt time.Time
}

type BackfillOutcome struct {
	RequestID           string
	NodeID              string
	DeliveredAttemptIDs []string
	FailedAttemptIDs    []string
	Error               string
}

type NodeAPIKey struct {
	ID             string
	OrganizationID string
	NodeID         *string
	Name           string
	KeyHash        string
	CreatedAt      time.Time
	LastUsedAt     *time.Time
	RevokedAt      *time.Time
}

type SyncSummary struct {
	Partial         int64
	PendingBackfill int64
	Complete        int64
}

// RemoteAttemptContext is what the router needs to decide where an attempt lives.
type RemoteAttemptContext struct {
	AttemptID    string
	SharedTaskID string
	NodeID       string
	NodeStatus   NodeStatus
	NodeURL      *string
}

// Error codes defined by API contract.
const (
	ErrCodeNotFound         = "E_NOT_FOUND"
	ErrCodeValidation       = "E_VALIDATION"
	ErrCodeUnauthorized     = "E_UNAUTHORIZED"
	ErrCodeForbidden        = "E_FORBIDDEN"
	ErrCodeNodeOffline      = "E_NODE_OFFLINE"
	ErrCodeNoNodeURL        = "E_NO_NODE_URL"
	ErrCodeConflict         = "E_CONFLICT"
	ErrCodeDatabase         = "E_DATABASE"
	ErrCodeMethodNotAllowed = "E_METHOD_NOT_ALLOWED"
)

// ValidationError reports a malformed inbound payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
