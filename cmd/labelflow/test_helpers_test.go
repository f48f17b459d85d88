package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"labelflow/internal/api"
	"labelflow/internal/config"
	"labelflow/internal/orchestrator"
	"labelflow/internal/queue"
	"labelflow/internal/services"
	"labelflow/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)

	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(homeDir, ".config", "labelflow", "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		store:      testsupport.MustOpenStore(t, cfg),
		configPath: configPath,
		baseDir:    base,
	}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	return runCLIWithInput(t, args, configPath, nil)
}

func runCLIWithInput(t *testing.T, args []string, configPath string, stdin io.Reader) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// submitJob runs `labelflow submit --json` and returns the created job.
func submitJob(t *testing.T, env *cliTestEnv, name, content string, extra ...string) api.JobView {
	t.Helper()
	path := testsupport.WriteFile(t, filepath.Join(env.baseDir, "inputs", name), content)
	args := append([]string{"submit", path, "--labels", "product_review,news", "--instructions", "Tag each text", "--json"}, extra...)
	out, _, err := runCLI(t, args, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var resp api.JobResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode submit output %q: %v", out, err)
	}
	return resp.Job
}

// finishJob drives a submitted job through the orchestrator. decide returns
// the label for a unit, or "" to fail it.
func finishJob(t *testing.T, env *cliTestEnv, jobID string, decide func(unitID string) string) {
	t.Helper()
	ctx := context.Background()
	manager := orchestrator.New(env.cfg, env.store, nil, nil)
	manager.Tick(ctx)
	for {
		leases, err := env.store.Lease(ctx, "cli-test", 10, time.Minute)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leases) == 0 {
			break
		}
		for _, lease := range leases {
			if label := decide(lease.UnitID); label != "" {
				if err := env.store.Ack(ctx, lease, label); err != nil {
					t.Fatalf("ack: %v", err)
				}
				continue
			}
			cause := services.Wrap(services.ErrInvalidLabel, "test", "classify", "label not in set", nil)
			if err := env.store.Fail(ctx, lease, cause); err != nil {
				t.Fatalf("fail: %v", err)
			}
		}
	}
	manager.Tick(ctx)
	job, err := env.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !job.Status.Terminal() {
		t.Fatalf("expected job %s to finish, status %s", jobID, job.Status)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
