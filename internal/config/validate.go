package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron"
)

var knownProviders = []string{"openrouter", "openai", "anthropic", "gemini", "ollama"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	if err := c.validateModels(); err != nil {
		return err
	}
	if err := c.validateProgress(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateQueue() error {
	if err := ensurePositiveMap(map[string]int{
		"queue.lease_seconds":            c.Queue.LeaseSeconds,
		"queue.max_attempts":             c.Queue.MaxAttempts,
		"queue.backoff_base_ms":          c.Queue.BackoffBaseMS,
		"queue.backoff_max_ms":           c.Queue.BackoffMaxMS,
		"queue.poll_interval_ms":         c.Queue.PollIntervalMS,
		"queue.reclaim_interval_seconds": c.Queue.ReclaimIntervalSeconds,
	}); err != nil {
		return err
	}
	if c.Queue.BackoffMaxMS < c.Queue.BackoffBaseMS {
		return errors.New("queue.backoff_max_ms must be >= queue.backoff_base_ms")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if err := ensurePositiveMap(map[string]int{
		"workers.count":             c.Workers.Count,
		"workers.label_attempts":    c.Workers.LabelAttempts,
		"workers.heartbeat_seconds": c.Workers.HeartbeatSeconds,
	}); err != nil {
		return err
	}
	if c.Workers.HeartbeatSeconds >= c.Queue.LeaseSeconds {
		return errors.New("workers.heartbeat_seconds must be less than queue.lease_seconds")
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	if c.Orchestrator.PollIntervalMS <= 0 {
		return errors.New("orchestrator.poll_interval_ms must be positive")
	}
	if c.Orchestrator.JobTimeoutMinutes < 0 {
		return errors.New("orchestrator.job_timeout_minutes must be >= 0")
	}
	if c.Orchestrator.RetentionDays < 0 {
		return errors.New("orchestrator.retention_days must be >= 0")
	}
	if c.Orchestrator.RetentionDays > 0 {
		if _, err := cron.Parse(c.Orchestrator.RetentionSchedule); err != nil {
			return fmt.Errorf("orchestrator.retention_schedule is invalid: %w", err)
		}
	}
	return nil
}

func (c *Config) validateOutput() error {
	if strings.ContainsAny(c.Output.LabelField, " \t\r\n<>\"'&=,") {
		return errors.New("output.label_field must be a plain identifier")
	}
	return nil
}

func (c *Config) validateModels() error {
	if !isKnownProvider(c.Models.DefaultProvider) {
		return fmt.Errorf("models.default_provider must be one of %s", strings.Join(knownProviders, ", "))
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		return errors.New("models.temperature must be between 0 and 2")
	}
	if err := ensurePositiveMap(map[string]int{
		"models.max_tokens":        c.Models.MaxTokens,
		"models.retry_attempts":    c.Models.RetryAttempts,
		"models.retry_base_ms":     c.Models.RetryBaseMS,
		"models.retry_max_ms":      c.Models.RetryMaxMS,
		"models.rate_wait_seconds": c.Models.RateWaitSeconds,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateProgress() error {
	if c.Progress.IntervalMS <= 0 {
		return errors.New("progress.interval_ms must be positive")
	}
	if c.Progress.BatchSize <= 0 {
		return errors.New("progress.batch_size must be positive")
	}
	if c.Progress.RedisURL != "" && !strings.HasPrefix(c.Progress.RedisURL, "redis://") && !strings.HasPrefix(c.Progress.RedisURL, "rediss://") {
		return errors.New("progress.redis_url must start with redis:// or rediss://")
	}
	return nil
}

func isKnownProvider(name string) bool {
	for _, candidate := range knownProviders {
		if candidate == name {
			return true
		}
	}
	return false
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
