package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/g960059/hivesync/internal/heartbeat"
	"github.com/g960059/hivesync/internal/model"
)

func AttemptsCmd(opts *Options) *cobra.Command {
	var (
		incomplete   bool
		nodeID       string
		sharedTaskID string
		limit        int
		offset       int
	)
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List task attempts and their sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected := 0
			for _, set := range []bool{incomplete, nodeID != "", sharedTaskID != ""} {
				if set {
					selected++
				}
			}
			if selected != 1 {
				return errors.New("exactly one of --incomplete, --node or --shared-task is required")
			}
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			var attempts []model.NodeTaskAttempt
			switch {
			case incomplete:
				monitor, err := heartbeat.NewMonitor(heartbeat.MonitorParams{
					Store:          store,
					LivenessWindow: cfg.LivenessWindow,
					Logger:         zerolog.Nop(),
				})
				if err != nil {
					return err
				}
				attempts, err = store.ListIncompleteWithOnlineNodes(cmd.Context(), monitor.LiveSince(), limit, offset)
				if err != nil {
					return err
				}
			case nodeID != "":
				attempts, err = store.ListAttemptsByNode(cmd.Context(), nodeID)
			default:
				attempts, err = store.ListAttemptsBySharedTask(cmd.Context(), sharedTaskID)
			}
			if err != nil {
				return err
			}
			printAttempts(cmd.OutOrStdout(), attempts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&incomplete, "incomplete", false, "attempts not yet complete on live nodes")
	cmd.Flags().StringVar(&nodeID, "node", "", "attempts of one node")
	cmd.Flags().StringVar(&sharedTaskID, "shared-task", "", "attempts of one shared task")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size for --incomplete")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset for --incomplete")
	return cmd
}

func printAttempts(out io.Writer, attempts []model.NodeTaskAttempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(out, "no attempts")
		return
	}
	fmt.Fprintf(out, "%-36s %-36s %-16s %-16s %s\n", "ID", "NODE", "STATE", "EXECUTOR", "BRANCH")
	for _, a := range attempts {
		fmt.Fprintf(out, "%-36s %-36s %s %-16s %s\n", a.ID, a.NodeID, colorState(a.SyncState), a.Executor, a.Branch)
	}
}

func colorState(state model.SyncState) string {
	padded := fmt.Sprintf("%-16s", strings.TrimSpace(string(state)))
	switch state {
	case model.SyncStateComplete:
		return color.New(color.FgGreen).Sprint(padded)
	case model.SyncStatePendingBackfill:
		return color.New(color.FgCyan).Sprint(padded)
	default:
		return color.New(color.FgYellow).Sprint(padded)
	}
}
