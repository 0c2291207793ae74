package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr             string        `yaml:"listen_addr"`
	DBPath                 string        `yaml:"db_path"`
	LivenessWindow         time.Duration `yaml:"liveness_window"`
	HeartbeatSweepInterval time.Duration `yaml:"heartbeat_sweep_interval"`
	ReconcileInterval      time.Duration `yaml:"reconcile_interval"`
	BackfillTimeout        time.Duration `yaml:"backfill_timeout"`
	BackfillRequestTimeout time.Duration `yaml:"backfill_request_timeout"`
	ReconcilePageSize      int           `yaml:"reconcile_page_size"`
	MaxBackfillBatch       int           `yaml:"max_backfill_batch"`
	MaxPagesPerTick        int           `yaml:"max_pages_per_tick"`
	TrackerTTL             time.Duration `yaml:"tracker_ttl"`
	NodeRequestRate        float64       `yaml:"node_request_rate"`
	NodeRequestBurst       int           `yaml:"node_request_burst"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
	Log                    LogConfig     `yaml:"log"`
	Tracing                TracingConfig `yaml:"tracing"`
	// Sessions are operator bearer tokens accepted as user sessions.
	Sessions []SessionConfig `yaml:"sessions"`
}

type SessionConfig struct {
	Token          string `yaml:"token"`
	UserID         string `yaml:"user_id"`
	OrganizationID string `yaml:"organization_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
}

const (
	minHeartbeatSweepInterval = 1 * time.Second
	maxHeartbeatSweepInterval = 30 * time.Second
)

func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":8787",
		DBPath:                 defaultDBPath(),
		LivenessWindow:         5 * time.Minute,
		ReconcileInterval:      2 * time.Minute,
		BackfillTimeout:        10 * time.Minute,
		BackfillRequestTimeout: 30 * time.Second,
		ReconcilePageSize:      100,
		MaxBackfillBatch:       50,
		MaxPagesPerTick:        20,
		TrackerTTL:             30 * time.Minute,
		NodeRequestRate:        2,
		NodeRequestBurst:       4,
		ShutdownTimeout:        5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1,
			ServiceName: "hived",
			Insecure:    true,
		},
	}
}

// Load overlays the YAML file at path onto DefaultConfig. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("HIVESYNC_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("HIVESYNC_DB_PATH")); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HIVESYNC_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("HIVESYNC_ADMIN_TOKEN")); v != "" {
		c.Sessions = append(c.Sessions, SessionConfig{Token: v, UserID: "admin"})
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.LivenessWindow <= 0 {
		errs = append(errs, errors.New("liveness_window must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("reconcile_interval must be positive"))
	}
	if c.BackfillRequestTimeout <= 0 {
		errs = append(errs, errors.New("backfill_request_timeout must be positive"))
	}
	if c.BackfillTimeout < c.BackfillRequestTimeout {
		errs = append(errs, errors.New("backfill_timeout must not be shorter than backfill_request_timeout"))
	}
	if c.ReconcilePageSize <= 0 {
		errs = append(errs, errors.New("reconcile_page_size must be positive"))
	}
	if c.MaxBackfillBatch <= 0 {
		errs = append(errs, errors.New("max_backfill_batch must be positive"))
	}
	if c.NodeRequestRate <= 0 || c.NodeRequestBurst <= 0 {
		errs = append(errs, errors.New("node_request_rate and node_request_burst must be positive"))
	}
	for i, session := range c.Sessions {
		if strings.TrimSpace(session.Token) == "" {
			errs = append(errs, fmt.Errorf("sessions[%d].token is required", i))
		}
	}
	return errors.Join(errs...)
}

// SweepInterval is how often stale heartbeats are flipped to offline.
func (c Config) SweepInterval() time.Duration {
	if c.HeartbeatSweepInterval > 0 {
		return c.HeartbeatSweepInterval
	}
	interval := c.LivenessWindow / 3
	if interval < minHeartbeatSweepInterval {
		return minHeartbeatSweepInterval
	}
	if interval > maxHeartbeatSweepInterval {
		return maxHeartbeatSweepInterval
	}
	return interval
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hive.db"
	}
	return filepath.Join(home, ".local", "state", "hivesync", "hive.db")
}
