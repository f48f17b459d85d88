package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
	LockDir   string `toml:"lock_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// Queue contains task lease and retry settings.
type Queue struct {
	LeaseSeconds           int `toml:"lease_seconds"`
	MaxAttempts            int `toml:"max_attempts"`
	BackoffBaseMS          int `toml:"backoff_base_ms"`
	BackoffMaxMS           int `toml:"backoff_max_ms"`
	PollIntervalMS         int `toml:"poll_interval_ms"`
	ReclaimIntervalSeconds int `toml:"reclaim_interval_seconds"`
}

// Workers contains worker pool sizing.
type Workers struct {
	Count            int `toml:"count"`
	LabelAttempts    int `toml:"label_attempts"`
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

// Orchestrator contains job state machine timing.
type Orchestrator struct {
	PollIntervalMS      int    `toml:"poll_interval_ms"`
	JobTimeoutMinutes   int    `toml:"job_timeout_minutes"`
	EnhanceInstructions bool   `toml:"enhance_instructions"`
	RetentionDays       int    `toml:"retention_days"`
	RetentionSchedule   string `toml:"retention_schedule"`
}

// Output contains artifact encoding settings.
type Output struct {
	LabelField        string `toml:"label_field"`
	FailedPlaceholder string `toml:"failed_placeholder"`
	WriteFiles        bool   `toml:"write_files"`
	JSONRecordsKey    string `toml:"json_records_key"`
	JSONTextKey       string `toml:"json_text_key"`
	XMLRecordTag      string `toml:"xml_record_tag"`
}

// Models contains model selection and call policy.
type Models struct {
	DefaultProvider string              `toml:"default_provider"`
	MotherModel     string              `toml:"mother_model"`
	ChildModel      string              `toml:"child_model"`
	Fallbacks       map[string][]string `toml:"fallbacks"`
	Temperature     float64             `toml:"temperature"`
	MaxTokens       int                 `toml:"max_tokens"`
	RetryAttempts   int                 `toml:"retry_attempts"`
	RetryBaseMS     int                 `toml:"retry_base_ms"`
	RetryMaxMS      int                 `toml:"retry_max_ms"`
	RateWaitSeconds int                 `toml:"rate_wait_seconds"`
}

// Provider contains connection and quota settings for one model backend.
type Provider struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	Burst             int    `toml:"burst"`
	Referer           string `toml:"referer"`
	Title             string `toml:"title"`
}

// Providers groups the supported model backends.
type Providers struct {
	OpenRouter Provider `toml:"openrouter"`
	OpenAI     Provider `toml:"openai"`
	Anthropic  Provider `toml:"anthropic"`
	Gemini     Provider `toml:"gemini"`
	Ollama     Provider `toml:"ollama"`
}

// Progress contains snapshot coalescing and fan-out settings.
type Progress struct {
	IntervalMS         int    `toml:"interval_ms"`
	BatchSize          int    `toml:"batch_size"`
	Buffer             int    `toml:"buffer"`
	RedisURL           string `toml:"redis_url"`
	RedisChannelPrefix string `toml:"redis_channel_prefix"`
	NtfyTopic          string `toml:"ntfy_topic"`
	NtfyTimeoutSeconds int    `toml:"ntfy_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for labelflow.
//
// Configuration sections by subsystem:
//   - Paths: data, output, log and lock directories plus the API bind address
//   - Queue: task lease length, retry attempts and backoff
//   - Workers: worker pool size and label validation attempts
//   - Orchestrator: polling, job watchdog and retention
//   - Output: label field name and placeholder for failed units
//   - Models: default models, fallbacks and call retry policy
//   - Providers: per-backend credentials and rate limits
//   - Progress: snapshot coalescing, optional Redis fan-out and ntfy alerts
//   - Logging: log format, level, and retention
type Config struct {
	Paths        Paths        `toml:"paths"`
	Queue        Queue        `toml:"queue"`
	Workers      Workers      `toml:"workers"`
	Orchestrator Orchestrator `toml:"orchestrator"`
	Output       Output       `toml:"output"`
	Models       Models       `toml:"models"`
	Providers    Providers    `toml:"providers"`
	Progress     Progress     `toml:"progress"`
	Logging      Logging      `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("labelflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.OutputDir, c.Paths.LogDir, c.Paths.LockDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite file backing the job store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "labelflow.db")
}

// DaemonLockPath returns the single-instance lock used by labelflowd.
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.Paths.LockDir, "labelflowd.lock")
}

// LeaseDuration returns the task lease length.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// JobTimeout returns the awaiting watchdog ceiling; zero disables it.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Orchestrator.JobTimeoutMinutes) * time.Minute
}

// ProviderSettings returns the provider section by name.
func (c *Config) ProviderSettings(name string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openrouter":
		return c.Providers.OpenRouter, true
	case "openai":
		return c.Providers.OpenAI, true
	case "anthropic":
		return c.Providers.Anthropic, true
	case "gemini":
		return c.Providers.Gemini, true
	case "ollama":
		return c.Providers.Ollama, true
	default:
		return Provider{}, false
	}
}

// FallbacksFor returns the configured fallback chain for a model id.
func (c *Config) FallbacksFor(model string) []string {
	chain := c.Models.Fallbacks[strings.TrimSpace(model)]
	if len(chain) == 0 {
		return nil
	}
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
