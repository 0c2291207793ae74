package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/hivesync/internal/auth"
	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/model"
	"github.com/g960059/hivesync/internal/testutil"
)

func init() {
	color.NoColor = true
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func openSeedStore(t *testing.T, path string) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func TestMigrateAndRollback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	out, err := run(t, context.Background(), "migrate", "--db", path)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "migrations applied") {
		t.Fatalf("unexpected output %q", out)
	}
	out, err = run(t, context.Background(), "migrate", "--rollback", "--db", path)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !strings.Contains(out, "rolled back") {
		t.Fatalf("unexpected output %q", out)
	}
}

var apiKeyLine = regexp.MustCompile(`api key: (hk_[0-9a-f]+)`)
var keyIDLine = regexp.MustCompile(`key id: (\S+)`)

func TestKeysCreateAndRevoke(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	out, err := run(t, context.Background(), "keys", "create", "--org", testutil.OrgID, "--name", "ci", "--db", path)
	if err != nil {
		t.Fatalf("keys create: %v", err)
	}
	rawMatch := apiKeyLine.FindStringSubmatch(out)
	idMatch := keyIDLine.FindStringSubmatch(out)
	if rawMatch == nil || idMatch == nil {
		t.Fatalf("expected key in output, got %q", out)
	}

	store, ctx := openSeedStore(t, path)
	key, err := store.GetAPIKeyByHash(ctx, auth.HashKey(rawMatch[1]))
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if key.ID != idMatch[1] || key.OrganizationID != testutil.OrgID || key.NodeID != nil {
		t.Fatalf("unexpected stored key %+v", key)
	}

	if _, err := run(t, context.Background(), "keys", "revoke", key.ID, "--db", path); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := run(t, context.Background(), "keys", "revoke", key.ID, "--db", path); err == nil {
		t.Fatalf("expected second revoke to fail")
	}
}

func TestKeysCreateRejectsUnknownNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	_, err := run(t, context.Background(), "keys", "create", "--org", testutil.OrgID, "--node", uuid.NewString(), "--db", path)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if _, err := run(t, context.Background(), "keys", "create", "--db", path); err == nil {
		t.Fatalf("expected missing --org to fail")
	}
}

func TestFleetAndIncompleteAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	store, ctx := openSeedStore(t, path)
	now := time.Now().UTC()
	live := testutil.SeedNode(t, store, ctx, "live-node", testutil.Ptr(now))
	stale := testutil.SeedNode(t, store, ctx, "stale-node", testutil.Ptr(now.Add(-time.Hour)))
	liveAttempts := testutil.SeedAttempts(t, store, ctx, live.ID, 2, now)
	staleAttempts := testutil.SeedAttempts(t, store, ctx, stale.ID, 1, now)

	out, err := run(t, context.Background(), "fleet", "--db", path)
	if err != nil {
		t.Fatalf("fleet: %v", err)
	}
	for _, want := range []string{"live-node", "stale-node", "yes", "stale", "2 nodes, 3 partial"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in fleet output:\n%s", want, out)
		}
	}

	out, err = run(t, context.Background(), "attempts", "--incomplete", "--db", path)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	for _, a := range liveAttempts {
		if !strings.Contains(out, a.ID) {
			t.Fatalf("expected live attempt %s in output:\n%s", a.ID, out)
		}
	}
	if strings.Contains(out, staleAttempts[0].ID) {
		t.Fatalf("stale node attempt must not be listed:\n%s", out)
	}

	out, err = run(t, context.Background(), "attempts", "--node", stale.ID, "--db", path)
	if err != nil {
		t.Fatalf("attempts by node: %v", err)
	}
	if !strings.Contains(out, staleAttempts[0].ID) {
		t.Fatalf("expected stale attempt listed by node:\n%s", out)
	}
}

func TestAttemptsRequiresExactlyOneSelector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	if _, err := run(t, context.Background(), "attempts", "--db", path); err == nil {
		t.Fatalf("expected error without selector")
	}
	if _, err := run(t, context.Background(), "attempts", "--incomplete", "--node", uuid.NewString(), "--db", path); err == nil {
		t.Fatalf("expected error with two selectors")
	}
}

func TestPrintFleetEmpty(t *testing.T) {
	var buf bytes.Buffer
	printFleet(&buf, nil, nil, func(model.Node) bool { return false })
	assert.Equal(t, "no nodes registered\n", buf.String())
}

func TestPrintAttemptsStates(t *testing.T) {
	var buf bytes.Buffer
	printAttempts(&buf, []model.NodeTaskAttempt{
		{ID: "a-1", NodeID: "n-1", SyncState: model.SyncStatePendingBackfill, Executor: "claude-code", Branch: "hive/x"},
	})
	assert.Contains(t, buf.String(), "pending_backfill")
	assert.Contains(t, buf.String(), "hive/x")
}

func TestLoadConfigFlagOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "hived.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db_path: "+filepath.Join(dir, "file.db")+"\nlisten_addr: 127.0.0.1:9999\n"), 0o600))

	opts := &Options{ConfigPath: cfgPath, DBPath: filepath.Join(dir, "flag.db")}
	cfg, err := opts.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "flag.db"), cfg.DBPath)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
}

func TestServeStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "hived.yaml")
	body := "listen_addr: 127.0.0.1:0\ndb_path: " + filepath.Join(dir, "hive.db") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := run(t, ctx, "serve", "--config", cfgPath)
		done <- err
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
