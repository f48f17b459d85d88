package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"labelflow/internal/queue"
	"labelflow/internal/testsupport"
)

func TestSubmitAndInspectJob(t *testing.T) {
	env := setupCLITestEnv(t)

	job := submitJob(t, env, "reviews.json", testsupport.SampleJSON, "--child-model", "openrouter:test-model")
	if job.Status != string(queue.JobReceived) {
		t.Fatalf("expected received job, got %q", job.Status)
	}
	if job.Format != "json" {
		t.Fatalf("expected detected json format, got %q", job.Format)
	}
	if job.OriginalName != "reviews.json" {
		t.Fatalf("expected original name, got %q", job.OriginalName)
	}
	if job.ChildModel != "openrouter:test-model" {
		t.Fatalf("unexpected child model %q", job.ChildModel)
	}

	out, _, err := runCLI(t, []string{"status", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Received")
	requireContains(t, out, "product_review, news")

	out, _, err = runCLI(t, []string{"status", job.ID, "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var summary queue.StatusSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Status != queue.JobReceived || summary.TotalUnits != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	out, _, err = runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Received")

	out, _, err = runCLI(t, []string{"jobs", "--status", "received"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, job.ID)

	out, _, err = runCLI(t, []string{"jobs", "--status", "completed"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, "No jobs")

	if _, _, err := runCLI(t, []string{"jobs", "--status", "bogus"}, env.configPath); err == nil {
		t.Fatal("expected unknown status filter to fail")
	}
}

func TestSubmitUsesConfiguredModels(t *testing.T) {
	env := setupCLITestEnv(t)
	env.cfg.Models.ChildModel = "openai:gpt-4o-mini"
	env.cfg.Models.Fallbacks = map[string][]string{"openai:gpt-4o-mini": {"anthropic:claude-3-5-haiku-latest"}}
	writeTestConfig(t, env.configPath, env.cfg)

	job := submitJob(t, env, "feed.xml", testsupport.SampleXML)
	if job.Format != "xml" {
		t.Fatalf("expected xml, got %q", job.Format)
	}
	if job.ChildModel != "openai:gpt-4o-mini" {
		t.Fatalf("expected configured child model, got %q", job.ChildModel)
	}
	if len(job.FallbackModels) != 1 || job.FallbackModels[0] != "anthropic:claude-3-5-haiku-latest" {
		t.Fatalf("expected configured fallback chain, got %v", job.FallbackModels)
	}
}

func TestSubmitFromStdin(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLIWithInput(t,
		[]string{"submit", "-", "--labels", "a,b"},
		env.configPath,
		strings.NewReader(testsupport.SampleCSV),
	)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "Submitted job")
	requireContains(t, out, "(csv, 2 labels)")
}

func TestSubmitValidation(t *testing.T) {
	env := setupCLITestEnv(t)
	path := testsupport.WriteFile(t, filepath.Join(env.baseDir, "notes.txt"), "just some words")

	if _, _, err := runCLI(t, []string{"submit", path}, env.configPath); err == nil {
		t.Fatal("expected missing --labels to fail")
	}
	if _, _, err := runCLI(t, []string{"submit", path, "--labels", "a"}, env.configPath); err == nil {
		t.Fatal("expected undetectable format to fail")
	}
	if _, _, err := runCLI(t, []string{"submit", filepath.Join(env.baseDir, "missing.json"), "--labels", "a"}, env.configPath); err == nil {
		t.Fatal("expected missing file to fail")
	}
}

func TestDownloadAuditAndRetry(t *testing.T) {
	env := setupCLITestEnv(t)
	job := submitJob(t, env, "reviews.csv", testsupport.SampleCSV)

	if _, _, err := runCLI(t, []string{"download", job.ID}, env.configPath); err == nil {
		t.Fatal("expected download of unfinished job to fail")
	}

	finishJob(t, env, job.ID, func(unitID string) string {
		if unitID == "r1" {
			return "product_review"
		}
		return ""
	})

	out, _, err := runCLI(t, []string{"download", job.ID, "-o", "-"}, env.configPath)
	if err != nil {
		t.Fatalf("download to stdout: %v", err)
	}
	want := "id,review,stars,ai_assigned_label\n" +
		"r1,Great blender but loud,4,product_review\n" +
		"r2,\"Stopped working after a week, very disappointed\",1,\n"
	if out != want {
		t.Fatalf("artifact mismatch\n got: %q\nwant: %q", out, want)
	}

	dir := t.TempDir()
	out, _, err = runCLI(t, []string{"download", job.ID, "-o", dir}, env.configPath)
	if err != nil {
		t.Fatalf("download to dir: %v", err)
	}
	target := filepath.Join(dir, "job_"+job.ID+"_reviews_labeled.csv")
	requireContains(t, out, target)
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != want {
		t.Fatalf("unexpected artifact on disk: %q", data)
	}

	out, _, err = runCLI(t, []string{"audit", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	requireContains(t, out, "leased -> failed")
	requireContains(t, out, "leased -> succeeded")

	out, _, err = runCLI(t, []string{"status", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "CompletedWithErrors")
	requireContains(t, out, "2/2 (1 failed)")

	out, _, err = runCLI(t, []string{"retry", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	requireContains(t, out, "Re-queued 1 failed units")

	if _, _, err := runCLI(t, []string{"retry", job.ID}, env.configPath); err == nil {
		t.Fatal("expected retry of a job that is no longer CompletedWithErrors to fail")
	}
}

func TestCancelJob(t *testing.T) {
	env := setupCLITestEnv(t)
	job := submitJob(t, env, "reviews.json", testsupport.SampleJSON)

	out, _, err := runCLI(t, []string{"cancel", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "Cancellation requested for job "+job.ID)

	out, _, err = runCLI(t, []string{"status", job.ID}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Cancel:       requested")
}

func TestUnknownJob(t *testing.T) {
	env := setupCLITestEnv(t)
	for _, args := range [][]string{
		{"status", "missing"},
		{"download", "missing"},
		{"cancel", "missing"},
		{"audit", "missing"},
	} {
		if _, _, err := runCLI(t, args, env.configPath); err == nil {
			t.Fatalf("expected %v to fail for an unknown job", args)
		}
	}
}
