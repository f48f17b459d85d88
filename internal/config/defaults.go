package config

const (
	defaultConfigPath             = "~/.config/labelflow/config.toml"
	defaultDataDir                = "~/.local/share/labelflow"
	defaultOutputDir              = "~/.local/share/labelflow/outputs"
	defaultLogDir                 = "~/.local/share/labelflow/logs"
	defaultLockDir                = "~/.local/share/labelflow/locks"
	defaultAPIBind                = "127.0.0.1:7488"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
	defaultLeaseSeconds           = 120
	defaultMaxAttempts            = 3
	defaultBackoffBaseMS          = 500
	defaultBackoffMaxMS           = 30_000
	defaultQueuePollIntervalMS    = 500
	defaultReclaimIntervalSeconds = 15
	defaultWorkerCount            = 4
	defaultLabelAttempts          = 3
	defaultHeartbeatSeconds       = 30
	defaultOrchestratorPollMS     = 1000
	defaultRetentionDays          = 30
	defaultRetentionSchedule      = "@hourly"
	defaultLabelField             = "ai_assigned_label"
	defaultJSONRecordsKey         = "test_texts"
	defaultJSONTextKey            = "content"
	defaultProvider               = "openrouter"
	defaultMotherModel            = "openai/gpt-4o-mini"
	defaultChildModel             = "openai/gpt-4o-mini"
	defaultTemperature            = 0.1
	defaultMaxTokens              = 1000
	defaultRetryAttempts          = 3
	defaultRetryBaseMS            = 1000
	defaultRetryMaxMS             = 20_000
	defaultRateWaitSeconds        = 60
	defaultProviderTimeoutSeconds = 60
	defaultRequestsPerMinute      = 60
	defaultBurst                  = 5
	defaultOpenRouterBaseURL      = "https://openrouter.ai/api/v1/chat/completions"
	defaultOpenRouterReferer      = "https://github.com/labelflow/labelflow"
	defaultOpenRouterTitle        = "Data Labeling Agent"
	defaultOllamaBaseURL          = "http://127.0.0.1:11434/v1/chat/completions"
	defaultProgressIntervalMS     = 1000
	defaultProgressBatchSize      = 10
	defaultProgressBuffer         = 32
	defaultRedisChannelPrefix     = "labelflow:progress"
	defaultNtfyTimeoutSeconds     = 10
)

func defaultProviderSettings() Provider {
	return Provider{
		TimeoutSeconds:    defaultProviderTimeoutSeconds,
		RequestsPerMinute: defaultRequestsPerMinute,
		Burst:             defaultBurst,
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	openRouter := defaultProviderSettings()
	openRouter.BaseURL = defaultOpenRouterBaseURL
	openRouter.Referer = defaultOpenRouterReferer
	openRouter.Title = defaultOpenRouterTitle

	ollama := defaultProviderSettings()
	ollama.BaseURL = defaultOllamaBaseURL
	ollama.TimeoutSeconds = 120

	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
			LockDir:   defaultLockDir,
			APIBind:   defaultAPIBind,
		},
		Queue: Queue{
			LeaseSeconds:           defaultLeaseSeconds,
			MaxAttempts:            defaultMaxAttempts,
			BackoffBaseMS:          defaultBackoffBaseMS,
			BackoffMaxMS:           defaultBackoffMaxMS,
			PollIntervalMS:         defaultQueuePollIntervalMS,
			ReclaimIntervalSeconds: defaultReclaimIntervalSeconds,
		},
		Workers: Workers{
			Count:            defaultWorkerCount,
			LabelAttempts:    defaultLabelAttempts,
			HeartbeatSeconds: defaultHeartbeatSeconds,
		},
		Orchestrator: Orchestrator{
			PollIntervalMS:      defaultOrchestratorPollMS,
			EnhanceInstructions: true,
			RetentionDays:       defaultRetentionDays,
			RetentionSchedule:   defaultRetentionSchedule,
		},
		Output: Output{
			LabelField:     defaultLabelField,
			WriteFiles:     true,
			JSONRecordsKey: defaultJSONRecordsKey,
			JSONTextKey:    defaultJSONTextKey,
		},
		Models: Models{
			DefaultProvider: defaultProvider,
			MotherModel:     defaultMotherModel,
			ChildModel:      defaultChildModel,
			Temperature:     defaultTemperature,
			MaxTokens:       defaultMaxTokens,
			RetryAttempts:   defaultRetryAttempts,
			RetryBaseMS:     defaultRetryBaseMS,
			RetryMaxMS:      defaultRetryMaxMS,
			RateWaitSeconds: defaultRateWaitSeconds,
		},
		Providers: Providers{
			OpenRouter: openRouter,
			OpenAI:     defaultProviderSettings(),
			Anthropic:  defaultProviderSettings(),
			Gemini:     defaultProviderSettings(),
			Ollama:     ollama,
		},
		Progress: Progress{
			IntervalMS:         defaultProgressIntervalMS,
			BatchSize:          defaultProgressBatchSize,
			Buffer:             defaultProgressBuffer,
			RedisChannelPrefix: defaultRedisChannelPrefix,
			NtfyTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
