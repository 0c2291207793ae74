package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/g960059/hivesync/internal/heartbeat"
	"github.com/g960059/hivesync/internal/model"
)

func FleetCmd(opts *Options) *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Show nodes with liveness and per-state attempt counts",
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

			monitor, err := heartbeat.NewMonitor(heartbeat.MonitorParams{
				Store:          store,
				LivenessWindow: cfg.LivenessWindow,
				Logger:         zerolog.Nop(),
			})
			if err != nil {
				return err
			}
			nodes, err := store.ListNodes(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			counts, err := store.SyncSummaryByNode(cmd.Context())
			if err != nil {
				return err
			}
			printFleet(cmd.OutOrStdout(), nodes, counts, monitor.IsLive)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "only show nodes of this organization")
	return cmd
}

func printFleet(out io.Writer, nodes []model.Node, counts map[string]model.SyncSummary, isLive func(model.Node) bool) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, "no nodes registered")
		return
	}
	fmt.Fprintf(out, "%-24s %-36s %-9s %-5s %8s %8s %8s\n", "NAME", "ID", "STATUS", "LIVE", "PARTIAL", "PENDING", "COMPLETE")
	var total model.SyncSummary
	for _, node := range nodes {
		c := counts[node.ID]
		total.Partial += c.Partial
		total.PendingBackfill += c.PendingBackfill
		total.Complete += c.Complete

		live := color.New(color.FgRed).Sprintf("%-5s", "stale")
		if isLive(node) {
			live = color.New(color.FgGreen).Sprintf("%-5s", "yes")
		}
		partial := fmt.Sprintf("%8d", c.Partial)
		if c.Partial > 0 {
			partial = color.New(color.FgYellow).Sprint(partial)
		}
		fmt.Fprintf(out, "%-24s %-36s %-9s %s %s %8d %8d\n", node.Name, node.ID, node.Status, live, partial, c.PendingBackfill, c.Complete)
	}
	fmt.Fprintf(out, "\n%d nodes, %d partial, %d pending backfill, %d complete\n", len(nodes), total.Partial, total.PendingBackfill, total.Complete)
}
