package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"labelflow/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	var (
		probe  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, the queue database and model credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(cmd.Context(), cfg, preflight.Options{ProbeModels: probe})
			if asJSON {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range sectionHeader("Preflight") {
					fmt.Fprintln(out, line)
				}
				for _, result := range results {
					fmt.Fprintln(out, checkLine(result, colorize))
				}
			}
			if preflight.Failed(results) {
				return errors.New("preflight checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Send a small request to every configured model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

