package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"labelflow/internal/progress"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch ID",
		Short: "Stream job progress from the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			cfg, _ := ctx.ensureConfig()
			out := cmd.OutOrStdout()
			var last progress.Snapshot
			err = client.Watch(cmd.Context(), strings.TrimSpace(args[0]), func(snap progress.Snapshot) error {
				last = snap
				if asJSON {
					return writeJSON(cmd, snap)
				}
				fmt.Fprintln(out, snapshotLine(snap))
				return nil
			})
			if err != nil {
				return wrapDaemonError(err, cfg.Paths.APIBind)
			}
			if !asJSON && last.Terminal {
				fmt.Fprintf(out, "Job %s finished: %s\n", last.JobID, last.Status.Display())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print each snapshot as JSON")
	return cmd
}

func snapshotLine(snap progress.Snapshot) string {
	percent := 0
	if snap.Total > 0 {
		percent = (snap.Completed + snap.Failed) * 100 / snap.Total
	}
	return fmt.Sprintf("%s  %-20s %s %3d%%",
		snap.At.Local().Format("15:04:05"),
		snap.Status.Display(),
		progressText(snap.Completed, snap.Failed, snap.Total),
		percent,
	)
}
