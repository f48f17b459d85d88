package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"labelflow/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification to the configured ntfy topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sink := notifications.NewSink(cfg)
			if sink == nil {
				return errors.New("progress.ntfy_topic is not configured")
			}
			if err := sink.Test(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
