package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/hivesync/internal/config"
	"github.com/g960059/hivesync/internal/db"
)

// Options are the persistent flags shared by every subcommand.
type Options struct {
	ConfigPath string
	DBPath     string
}

func NewRootCmd() *cobra.Command {
	opts := &Options{}
	rootCmd := &cobra.Command{
		Use:           "hived",
		Short:         "Hive sync daemon for the distributed node fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `hived tracks which nodes are connected, which task attempts the Hive
holds in full, and asks reconnecting nodes to resend what is missing.`,
	}
	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite path (overrides config)")

	rootCmd.AddCommand(ServeCmd(opts))
	rootCmd.AddCommand(MigrateCmd(opts))
	rootCmd.AddCommand(KeysCmd(opts))
	rootCmd.AddCommand(FleetCmd(opts))
	rootCmd.AddCommand(AttemptsCmd(opts))
	return rootCmd
}

// LoadConfig reads the config file, then environment overrides, then flags.
func (o *Options) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv()
	if v := strings.TrimSpace(o.DBPath); v != "" {
		cfg.DBPath = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore opens and migrates the store named by cfg.
func openStore(ctx context.Context, cfg config.Config) (*db.Store, error) {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
