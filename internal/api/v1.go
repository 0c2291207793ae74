package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type Capabilities struct {
	Executors          []string `json:"executors"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	OS                 string   `json:"os,omitempty"`
	Arch               string   `json:"arch,omitempty"`
	Version            string   `json:"version,omitempty"`
}

type RegisterNodeRequest struct {
	OrganizationID string       `json:"organization_id,omitempty"`
	Name           string       `json:"name"`
	MachineID      string       `json:"machine_id"`
	Capabilities   Capabilities `json:"capabilities"`
	PublicURL      *string      `json:"public_url,omitempty"`
}

type HeartbeatRequest struct {
	Status       string        `json:"status"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

type NodeResponse struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organization_id"`
	Name            string       `json:"name"`
	MachineID       string       `json:"machine_id"`
	Status          string       `json:"status"`
	Live            bool         `json:"live"`
	Capabilities    Capabilities `json:"capabilities"`
	PublicURL       *string      `json:"public_url,omitempty"`
	LastHeartbeatAt *string      `json:"last_heartbeat_at,omitempty"`
	ConnectedAt     *string      `json:"connected_at,omitempty"`
	DisconnectedAt  *string      `json:"disconnected_at,omitempty"`
	CreatedAt       string       `json:"created_at"`
	UpdatedAt       string       `json:"updated_at"`
}

type NodeEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Node          NodeResponse `json:"node"`
}

type NodesEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Nodes         []NodeResponse `json:"nodes"`
}

type UpsertAttemptRequest struct {
	ID               string     `json:"id"`
	AssignmentID     *string    `json:"assignment_id,omitempty"`
	SharedTaskID     string     `json:"shared_task_id"`
	NodeID           string     `json:"node_id"`
	Executor         string     `json:"executor"`
	ExecutorVariant  *string    `json:"executor_variant,omitempty"`
	Branch           string     `json:"branch"`
	TargetBranch     string     `json:"target_branch"`
	ContainerRef     *string    `json:"container_ref,omitempty"`
	WorktreeDeleted  bool       `json:"worktree_deleted"`
	SetupCompletedAt *time.Time `json:"setup_completed_at,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	FullSync         bool       `json:"full_sync"`
}

type AttemptResponse struct {
	ID                string  `json:"id"`
	AssignmentID      *string `json:"assignment_id,omitempty"`
	SharedTaskID      string  `json:"shared_task_id"`
	NodeID            string  `json:"node_id"`
	Executor          string  `json:"executor"`
	ExecutorVariant   *string `json:"executor_variant,omitempty"`
	Branch            string  `json:"branch"`
	TargetBranch      string  `json:"target_branch"`
	ContainerRef      *string `json:"container_ref,omitempty"`
	WorktreeDeleted   bool    `json:"worktree_deleted"`
	SetupCompletedAt  *string `json:"setup_completed_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	SyncState         string  `json:"sync_state"`
	SyncRequestedAt   *string `json:"sync_requested_at,omitempty"`
	BackfillRequestID *string `json:"backfill_request_id,omitempty"`
	LastFullSyncAt    *string `json:"last_full_sync_at,omitempty"`
}

type AttemptEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Attempt       AttemptResponse `json:"attempt"`
}

type AttemptsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Attempts      []AttemptResponse `json:"attempts"`
	Limit         int               `json:"limit,omitempty"`
	Offset        int               `json:"offset,omitempty"`
}

type ResyncResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	AttemptID     string    `json:"attempt_id"`
	Reset         bool      `json:"reset"`
}

type RouteResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Mode          string    `json:"mode"`
	NodeID        string    `json:"node_id,omitempty"`
	NodeURL       string    `json:"node_url,omitempty"`
	TargetID      string    `json:"target_id,omitempty"`
}

// BackfillResponseRequest is what a node posts after resending attempt data.
type BackfillResponseRequest struct {
	RequestID string `json:"request_id"`
	// NodeID is required when the caller's key is not bound to a node.
	NodeID              string   `json:"node_id,omitempty"`
	DeliveredAttemptIDs []string `json:"delivered_attempt_ids"`
	FailedAttemptIDs    []string `json:"failed_attempt_ids"`
	Error               string   `json:"error,omitempty"`
}

type BackfillResolution struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	RequestID     string    `json:"request_id"`
	Completed     int64     `json:"completed"`
	Reverted      int64     `json:"reverted"`
	Recovered     bool      `json:"recovered"`
	Ignored       int       `json:"ignored"`
}

type SyncSummaryResponse struct {
	SchemaVersion   string    `json:"schema_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Partial         int64     `json:"partial"`
	PendingBackfill int64     `json:"pending_backfill"`
	Complete        int64     `json:"complete"`
}

// NodeBackfillRequest is sent to {public_url}/v1/backfill.
type NodeBackfillRequest struct {
	RequestID string                `json:"request_id"`
	Attempts  []NodeBackfillAttempt `json:"attempts"`
}

type NodeBackfillAttempt struct {
	ID           string `json:"id"`
	SharedTaskID string `json:"shared_task_id"`
	Executor     string `json:"executor"`
	Branch       string `json:"branch"`
}
