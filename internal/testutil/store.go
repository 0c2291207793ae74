package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/model"
)

const OrgID = "5b3c1f0e-7a44-4e0b-9d57-0c1f2a3b4c5d"

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "hivesync-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedNode registers a node. A non-nil heartbeatAt also records an online
// heartbeat at that time.
func SeedNode(t *testing.T, store *db.Store, ctx context.Context, machineID string, heartbeatAt *time.Time) model.Node {
	t.Helper()
	url := "https://" + machineID + ".nodes.test"
	node, err := store.RegisterNode(ctx, model.NodeRegistration{
		OrganizationID: OrgID,
		Name:           machineID,
		MachineID:      machineID,
		Capabilities: model.NodeCapabilities{
			Executors:          []string{"claude-code"},
			MaxConcurrentTasks: 2,
			OS:                 "linux",
			Arch:               "amd64",
			Version:            "0.4.1",
		},
		PublicURL: &url,
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
	if heartbeatAt == nil {
		return node
	}
	change, err := store.RecordHeartbeat(ctx, model.HeartbeatPayload{
		NodeID: node.ID,
		Status: model.NodeStatusOnline,
	}, *heartbeatAt)
	if err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}
	return change.Current
}

// SeedAttempts creates n partial attempts on nodeID, each one second newer
// than the previous.
func SeedAttempts(t *testing.T, store *db.Store, ctx context.Context, nodeID string, n int, createdAt time.Time) []model.NodeTaskAttempt {
	t.Helper()
	sharedTaskID := uuid.NewString()
	out := make([]model.NodeTaskAttempt, 0, n)
	for i := 0; i < n; i++ {
		at := createdAt.Add(time.Duration(i) * time.Second)
		attempt, err := store.UpsertAttempt(ctx, model.UpsertAttempt{
			ID:           uuid.NewString(),
			SharedTaskID: sharedTaskID,
			NodeID:       nodeID,
			Executor:     "claude-code",
			Branch:       "hive/attempt",
			TargetBranch: "main",
			CreatedAt:    at,
			UpdatedAt:    at,
		}, at)
		if err != nil {
			t.Fatalf("seed attempt: %v", err)
		}
		out = append(out, attempt)
	}
	return out
}

func AttemptIDs(attempts []model.NodeTaskAttempt) []string {
	ids := make([]string, 0, len(attempts))
	for _, a := range attempts {
		ids = append(ids, a.ID)
	}
	return ids
}

func Ptr[T any](v T) *T {
	return &v
}
