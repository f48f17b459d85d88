package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeOutput()
	c.normalizeModels()
	c.normalizeProviders()
	c.normalizeProgress()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LockDir) == "" {
		c.Paths.LockDir = defaultLockDir
	}
	if c.Paths.LockDir, err = expandPath(c.Paths.LockDir); err != nil {
		return fmt.Errorf("paths.lock_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("LABELFLOW_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeOutput() {
	c.Output.LabelField = strings.TrimSpace(c.Output.LabelField)
	if c.Output.LabelField == "" {
		c.Output.LabelField = defaultLabelField
	}
	c.Output.JSONRecordsKey = strings.TrimSpace(c.Output.JSONRecordsKey)
	if c.Output.JSONRecordsKey == "" {
		c.Output.JSONRecordsKey = defaultJSONRecordsKey
	}
	c.Output.JSONTextKey = strings.TrimSpace(c.Output.JSONTextKey)
	if c.Output.JSONTextKey == "" {
		c.Output.JSONTextKey = defaultJSONTextKey
	}
	c.Output.XMLRecordTag = strings.TrimSpace(c.Output.XMLRecordTag)
}

func (c *Config) normalizeModels() {
	c.Models.DefaultProvider = strings.ToLower(strings.TrimSpace(c.Models.DefaultProvider))
	if c.Models.DefaultProvider == "" {
		c.Models.DefaultProvider = defaultProvider
	}
	c.Models.MotherModel = strings.TrimSpace(c.Models.MotherModel)
	c.Models.ChildModel = strings.TrimSpace(c.Models.ChildModel)
	if c.Models.ChildModel == "" {
		c.Models.ChildModel = defaultChildModel
	}
	if len(c.Models.Fallbacks) > 0 {
		cleaned := make(map[string][]string, len(c.Models.Fallbacks))
		for model, chain := range c.Models.Fallbacks {
			key := strings.TrimSpace(model)
			if key == "" {
				continue
			}
			seen := map[string]struct{}{key: {}}
			var out []string
			for _, candidate := range chain {
				candidate = strings.TrimSpace(candidate)
				if candidate == "" {
					continue
				}
				if _, dup := seen[candidate]; dup {
					continue
				}
				seen[candidate] = struct{}{}
				out = append(out, candidate)
			}
			if len(out) > 0 {
				cleaned[key] = out
			}
		}
		c.Models.Fallbacks = cleaned
	}
}

func (c *Config) normalizeProviders() {
	normalizeProvider(&c.Providers.OpenRouter, defaultOpenRouterBaseURL, "OPENROUTER_API_KEY")
	if c.Providers.OpenRouter.Referer = strings.TrimSpace(c.Providers.OpenRouter.Referer); c.Providers.OpenRouter.Referer == "" {
		c.Providers.OpenRouter.Referer = defaultOpenRouterReferer
	}
	if c.Providers.OpenRouter.Title = strings.TrimSpace(c.Providers.OpenRouter.Title); c.Providers.OpenRouter.Title == "" {
		c.Providers.OpenRouter.Title = defaultOpenRouterTitle
	}
	normalizeProvider(&c.Providers.OpenAI, "", "OPENAI_API_KEY")
	normalizeProvider(&c.Providers.Anthropic, "", "ANTHROPIC_API_KEY")
	normalizeProvider(&c.Providers.Gemini, "", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	normalizeProvider(&c.Providers.Ollama, defaultOllamaBaseURL)
}

func normalizeProvider(p *Provider, baseURL string, envKeys ...string) {
	p.APIKey = strings.TrimSpace(p.APIKey)
	if p.APIKey == "" {
		for _, key := range envKeys {
			if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
				p.APIKey = strings.TrimSpace(value)
				break
			}
		}
	}
	p.BaseURL = strings.TrimSpace(p.BaseURL)
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = defaultProviderTimeoutSeconds
	}
	if p.RequestsPerMinute <= 0 {
		p.RequestsPerMinute = defaultRequestsPerMinute
	}
	if p.Burst <= 0 {
		p.Burst = defaultBurst
	}
}

func (c *Config) normalizeProgress() {
	c.Progress.RedisURL = strings.TrimSpace(c.Progress.RedisURL)
	if c.Progress.RedisURL == "" {
		if value, ok := os.LookupEnv("LABELFLOW_REDIS_URL"); ok {
			c.Progress.RedisURL = strings.TrimSpace(value)
		}
	}
	c.Progress.RedisChannelPrefix = strings.TrimSpace(c.Progress.RedisChannelPrefix)
	if c.Progress.RedisChannelPrefix == "" {
		c.Progress.RedisChannelPrefix = defaultRedisChannelPrefix
	}
	if c.Progress.Buffer <= 0 {
		c.Progress.Buffer = defaultProgressBuffer
	}
	c.Progress.NtfyTopic = strings.TrimSpace(c.Progress.NtfyTopic)
	if c.Progress.NtfyTimeoutSeconds <= 0 {
		c.Progress.NtfyTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
