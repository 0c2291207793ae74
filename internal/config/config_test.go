package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.LivenessWindow)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hived.yaml")
	raw := []byte(`
listen_addr: "127.0.0.1:9000"
liveness_window: 90s
backfill_timeout: 4m
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.LivenessWindow)
	assert.Equal(t, 4*time.Minute, cfg.BackfillTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "unset fields keep defaults")
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejectsShortBackfillTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackfillTimeout = time.Second
	assert.Error(t, cfg.Validate())
}

func TestSweepIntervalClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LivenessWindow = 900 * time.Millisecond
	assert.Equal(t, time.Second, cfg.SweepInterval())

	cfg.HeartbeatSweepInterval = 7 * time.Second
	assert.Equal(t, 7*time.Second, cfg.SweepInterval())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("HIVESYNC_LISTEN_ADDR", ":9999")
	t.Setenv("HIVESYNC_DB_PATH", "/tmp/x.db")
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
}

func TestApplyEnvAdminToken(t *testing.T) {
	t.Setenv("HIVESYNC_ADMIN_TOKEN", "op-token")
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	require.Len(t, cfg.Sessions, 1)
	assert.Equal(t, SessionConfig{Token: "op-token", UserID: "admin"}, cfg.Sessions[0])
	require.NoError(t, cfg.Validate())

	cfg.Sessions = append(cfg.Sessions, SessionConfig{UserID: "blank"})
	assert.ErrorContains(t, cfg.Validate(), "sessions[1].token")
}
