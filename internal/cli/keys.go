package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/g960059/hivesync/internal/auth"
	"github.com/g960059/hivesync/internal/db"
)

func KeysCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage node API keys",
	}
	cmd.AddCommand(keysCreateCmd(opts))
	cmd.AddCommand(keysRevokeCmd(opts))
	return cmd
}

func keysCreateCmd(opts *Options) *cobra.Command {
	var orgID, nodeID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a node API key (printed once)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			var bound *string
			if v := strings.TrimSpace(nodeID); v != "" {
				bound = &v
			}
			raw, key, err := auth.IssueKey(cmd.Context(), store, orgID, bound, name, time.Now().UTC())
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("node %s not found", nodeID)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key id: %s\n", key.ID)
			fmt.Fprintf(out, "api key: %s\n", raw)
			fmt.Fprintln(out, color.New(color.FgYellow).Sprint("store this key now; it cannot be shown again"))
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&nodeID, "node", "", "bind the key to a single node")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func keysRevokeCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a node API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			if err := store.RevokeAPIKey(cmd.Context(), args[0], time.Now().UTC()); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("key %s not found or already revoked", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
}
