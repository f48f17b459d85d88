package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"labelflow/internal/config"
	"labelflow/internal/daemon"
	"labelflow/internal/logging"
	"labelflow/internal/testsupport"
)

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func startRun(t *testing.T, cfg *config.Config) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, Options{LogLevel: "error", DaemonOptions: []daemon.Option{daemon.WithEnhancer(nil)}})
	}()
	return cancel, done
}

func waitForFile(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return data
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
	return nil
}

func TestRunWritesPIDAndShutsDownOnCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cancel, done := startRun(t, cfg)

	data := waitForFile(t, PIDPath(cfg))
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("unexpected pid file contents %q", data)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := os.Stat(PIDPath(cfg)); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	logFile := filepath.Join(cfg.Paths.LogDir, logging.DailyLogName(time.Now()))
	if _, err := os.Stat(logFile); err != nil {
		t.Fatalf("expected daily log file: %v", err)
	}
}

func TestRunPrunesExpiredLogs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Logging.RetentionDays = 3
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := filepath.Join(cfg.Paths.LogDir, "labelflow-2020-01-01.log")
	if err := os.WriteFile(old, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write old log: %v", err)
	}
	stale := time.Now().AddDate(0, 0, -10)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cancel, done := startRun(t, cfg)
	waitForFile(t, PIDPath(cfg))
	cancel()
	<-done

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected stale log removed, stat err=%v", err)
	}
}
