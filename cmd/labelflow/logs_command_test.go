package main

import (
	"path/filepath"
	"strings"
	"testing"

	"labelflow/internal/testsupport"
)

func TestLogsCommandFiltersByJob(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.WriteFile(t, filepath.Join(env.cfg.Paths.LogDir, "labelflow-2026-10-14.log"), `{"msg":"old","job_id":"a"}`+"\n")
	testsupport.WriteFile(t, filepath.Join(env.cfg.Paths.LogDir, "labelflow-2026-10-15.log"),
		`{"msg":"job submitted","job_id":"a"}`+"\n"+
			`{"msg":"task labeled","job_id":"b"}`+"\n"+
			`{"msg":"job finalized","job_id":"a"}`+"\n")

	out, _, err := runCLI(t, []string{"logs", "--job", "a"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	requireContains(t, lines[1], "job finalized")

	out, _, err = runCLI(t, []string{"logs", "-n", "1"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "job finalized")
	if strings.Contains(out, "task labeled") {
		t.Fatalf("expected only the last line, got %q", out)
	}
}

func TestTestNotifyRequiresTopic(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "ntfy_topic") {
		t.Fatalf("expected missing topic error, got %v", err)
	}
}
