package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"labelflow/internal/api"
	"labelflow/internal/config"
	"labelflow/internal/queue"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		labels       []string
		instructions string
		formatFlag   string
		motherModel  string
		childModel   string
		fallbacks    []string
		jobID        string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a dataset for labeling",
		Long:  "Submit a JSON, CSV or XML dataset. Use - to read the dataset from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			data, name, err := readSubmission(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			sub := api.ApplyDefaults(cfg, queue.Submission{
				JobID:          strings.TrimSpace(jobID),
				Format:         strings.TrimSpace(formatFlag),
				Input:          data,
				Labels:         labels,
				Instructions:   instructions,
				MotherModel:    strings.TrimSpace(motherModel),
				ChildModel:     strings.TrimSpace(childModel),
				OriginalName:   name,
				FallbackModels: fallbacks,
			})

			return ctx.withService(func(svc *api.JobService) error {
				job, err := svc.Submit(cmd.Context(), sub)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.JobResponse{Job: job})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Submitted job %s (%s, %d labels)\n", job.ID, job.Format, len(job.Labels))
				fmt.Fprintf(out, "Child model: %s\n", job.ChildModel)
				if len(job.FallbackModels) > 0 {
					fmt.Fprintf(out, "Fallbacks: %s\n", strings.Join(job.FallbackModels, ", "))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&labels, "labels", "l", nil, "Comma separated label set")
	cmd.Flags().StringVarP(&instructions, "instructions", "i", "", "Labeling instructions for the model")
	cmd.Flags().StringVarP(&formatFlag, "format", "f", "", "Input format (json, csv, xml); detected when omitted")
	cmd.Flags().StringVar(&motherModel, "mother-model", "", "Model used to enhance instructions")
	cmd.Flags().StringVar(&childModel, "child-model", "", "Model used to label each unit")
	cmd.Flags().StringSliceVar(&fallbacks, "fallback", nil, "Fallback model, tried in order (repeatable)")
	cmd.Flags().StringVar(&jobID, "id", "", "Explicit job id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the created job as JSON")
	_ = cmd.MarkFlagRequired("labels")
	return cmd
}

func readSubmission(stdin io.Reader, arg string) ([]byte, string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, "", fmt.Errorf("read stdin: %w", err)
		}
		return data, "", nil
	}
	path, err := config.ExpandPath(arg)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %s: %w", arg, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read dataset: %w", err)
	}
	return data, filepath.Base(path), nil
}
