package testsupport

import (
	"path/filepath"
	"testing"

	"labelflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.OutputDir = filepath.Join(base, "outputs")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.LockDir = filepath.Join(base, "locks")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Queue.BackoffBaseMS = 1
	cfgVal.Queue.BackoffMaxMS = 1
	cfgVal.Queue.PollIntervalMS = 10
	cfgVal.Orchestrator.PollIntervalMS = 10
	cfgVal.Orchestrator.EnhanceInstructions = false
	cfgVal.Models.RetryBaseMS = 1
	cfgVal.Models.RetryMaxMS = 1
	cfgVal.Progress.IntervalMS = 20

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithMaxAttempts overrides queue.max_attempts.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxAttempts = n
	}
}

// WithPlaceholder overrides output.failed_placeholder.
func WithPlaceholder(value string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Output.FailedPlaceholder = value
	}
}

// WithAPIToken sets the bearer token required by the HTTP API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
