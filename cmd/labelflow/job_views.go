package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"labelflow/internal/api"
	"labelflow/internal/queue"
)

func displayStatus(value string) string {
	return queue.JobStatus(value).Display()
}

func buildJobRows(jobs []api.JobView) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			displayStatus(job.Status),
			job.Format,
			progressText(job.CompletedUnits, job.FailedUnits, job.TotalUnits),
			fallbackText(job.OriginalName, "-"),
			shortTimestamp(job.CreatedAt),
		})
	}
	return rows
}

// buildStatusCountRows lists non-empty statuses in lifecycle order.
func buildStatusCountRows(jobs []api.JobView) [][]string {
	counts := make(map[queue.JobStatus]int)
	for _, job := range jobs {
		counts[queue.JobStatus(job.Status)]++
	}
	rows := make([][]string, 0, len(counts))
	for _, status := range queue.AllJobStatuses() {
		if counts[status] == 0 {
			continue
		}
		rows = append(rows, []string{status.Display(), strconv.Itoa(counts[status])})
	}
	return rows
}

func buildJobDetailLines(job api.JobView) []string {
	lines := []string{
		fmt.Sprintf("Job:          %s", job.ID),
		fmt.Sprintf("Status:       %s", displayStatus(job.Status)),
		fmt.Sprintf("Format:       %s", job.Format),
		fmt.Sprintf("Progress:     %s", progressText(job.CompletedUnits, job.FailedUnits, job.TotalUnits)),
		fmt.Sprintf("Pending:      %d", job.PendingUnits),
		fmt.Sprintf("Skipped:      %d", job.SkippedUnits),
		fmt.Sprintf("Labels:       %s", strings.Join(job.Labels, ", ")),
		fmt.Sprintf("Child model:  %s", job.ChildModel),
	}
	if job.MotherModel != "" {
		lines = append(lines, fmt.Sprintf("Mother model: %s (instructions enhanced: %s)", job.MotherModel, yesNo(job.Enhanced)))
	}
	if len(job.FallbackModels) > 0 {
		lines = append(lines, fmt.Sprintf("Fallbacks:    %s", strings.Join(job.FallbackModels, ", ")))
	}
	if job.CancelRequested {
		lines = append(lines, "Cancel:       requested")
	}
	if job.ErrorMessage != "" {
		lines = append(lines, fmt.Sprintf("Error:        %s", job.ErrorMessage))
	}
	if job.OutputPath != "" {
		lines = append(lines, fmt.Sprintf("Output:       %s", job.OutputPath))
	}
	return lines
}

func buildEventRows(events []queue.TaskEvent) [][]string {
	sorted := append([]queue.TaskEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	rows := make([][]string, 0, len(sorted))
	for _, event := range sorted {
		rows = append(rows, []string{
			event.Timestamp.UTC().Format(time.RFC3339),
			event.UnitID,
			transitionText(event.OldState, event.NewState),
			strconv.Itoa(event.Attempt),
			fallbackText(event.Error, ""),
		})
	}
	return rows
}

func buildWarningRows(warnings []queue.Warning) [][]string {
	rows := make([][]string, 0, len(warnings))
	for _, warning := range warnings {
		rows = append(rows, []string{
			strconv.Itoa(warning.Index),
			fallbackText(warning.UnitID, "-"),
			warning.Message,
		})
	}
	return rows
}

func progressText(completed, failed, total int) string {
	text := fmt.Sprintf("%d/%d", completed+failed, total)
	if failed > 0 {
		text += fmt.Sprintf(" (%d failed)", failed)
	}
	return text
}

func transitionText(from, to queue.TaskState) string {
	if from == "" {
		return string(to)
	}
	return string(from) + " -> " + string(to)
}

func shortTimestamp(value string) string {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return parsed.Local().Format("2006-01-02 15:04")
}

func fallbackText(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
