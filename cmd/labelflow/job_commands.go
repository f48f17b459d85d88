package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"labelflow/internal/api"
	"labelflow/internal/fileutil"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [ID]",
		Short: "Show one job, or job counts by status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(func(svc *api.JobService) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					jobs, err := svc.List(cmd.Context())
					if err != nil {
						return err
					}
					rows := buildStatusCountRows(jobs)
					if asJSON {
						counts := make(map[string]int, len(rows))
						for _, job := range jobs {
							counts[job.Status]++
						}
						return writeJSON(cmd, counts)
					}
					if len(rows) == 0 {
						fmt.Fprintln(out, "No jobs")
						return nil
					}
					printTable(out, []column{{title: "Status"}, {title: "Jobs", numeric: true}}, rows)
					return nil
				}

				id := strings.TrimSpace(args[0])
				if asJSON {
					summary, err := svc.Status(cmd.Context(), id)
					if err != nil {
						return err
					}
					return writeJSON(cmd, summary)
				}
				job, err := svc.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				for _, line := range buildJobDetailLines(job) {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		statusFilters []string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := api.ParseStatuses(statusFilters)
			if err != nil {
				return err
			}
			return ctx.withService(func(svc *api.JobService) error {
				jobs, err := svc.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.JobListResponse{Jobs: jobs})
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				printTable(out, []column{
					{title: "ID"}, {title: "Status"}, {title: "Format"},
					{title: "Progress", numeric: true}, {title: "Source"}, {title: "Created"},
				}, buildJobRows(jobs))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statusFilters, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "download ID",
		Short: "Write the labeled artifact of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(func(svc *api.JobService) error {
				artifact, err := svc.Output(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				target := strings.TrimSpace(outputPath)
				if target == "-" {
					_, err := cmd.OutOrStdout().Write(artifact.Data)
					return err
				}
				if target == "" {
					target = artifact.Name
				}
				if info, err := os.Stat(target); err == nil && info.IsDir() {
					target = filepath.Join(target, artifact.Name)
				}
				if err := fileutil.WriteFileAtomic(target, artifact.Data, 0o644); err != nil {
					return fmt.Errorf("write artifact: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", target, len(artifact.Data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Destination file or directory (- for stdout)")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(func(svc *api.JobService) error {
				resp, err := svc.Cancel(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s\n", resp.JobID)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Re-queue the failed units of a CompletedWithErrors job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(func(svc *api.JobService) error {
				resp, err := svc.Retry(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %d failed units of job %s\n", resp.Retried, resp.JobID)
				return nil
			})
		},
	}
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit ID",
		Short: "Show the task history and extraction warnings of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(func(svc *api.JobService) error {
				resp, err := svc.Audit(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Events) == 0 {
					fmt.Fprintln(out, "No task events")
				} else {
					printTable(out, []column{
						{title: "Time"}, {title: "Unit"}, {title: "Transition"},
						{title: "Attempt", numeric: true}, {title: "Error"},
					}, buildEventRows(resp.Events))
				}
				if len(resp.Warnings) > 0 {
					fmt.Fprintln(out, "Extraction warnings:")
					printTable(out, []column{{title: "Index", numeric: true}, {title: "Unit"}, {title: "Message"}},
						buildWarningRows(resp.Warnings))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
