package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/g960059/hivesync/internal/db"
)

func MigrateCmd(opts *Options) *cobra.Command {
	var rollback bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back) database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			if rollback {
				if err := db.RollbackAll(cmd.Context(), store.DB()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back all migrations in %s\n", cfg.DBPath)
				return nil
			}
			if err := db.ApplyMigrations(cmd.Context(), store.DB()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s\n", cfg.DBPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back every migration")
	return cmd
}
