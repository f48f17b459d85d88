package modelclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"labelflow/internal/config"
	"labelflow/internal/logging"
	"labelflow/internal/services"
	"labelflow/internal/services/llm"
)

// Client routes prompts to providers with rate limiting, retry and fallback.
type Client struct {
	providers   map[Kind]Provider
	limiters    map[Kind]*rate.Limiter
	timeouts    map[Kind]time.Duration
	defaultKind Kind
	fallbacks   func(model string) []string

	temperature float64
	maxTokens   int
	attempts    int
	baseDelay   time.Duration
	maxDelay    time.Duration
	rateWait    time.Duration

	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithProvider replaces the backend registered for p.Kind().
func WithProvider(p Provider) Option {
	return func(c *Client) {
		if p != nil {
			c.providers[p.Kind()] = p
		}
	}
}

// WithLimiter replaces the token bucket of one provider.
func WithLimiter(kind Kind, limiter *rate.Limiter) Option {
	return func(c *Client) {
		c.limiters[kind] = limiter
	}
}

// WithSleeper overrides how backoff delays are waited out.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLogger sets the logger used for retry and fallback diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client with one provider and limiter per backend.
func New(cfg *config.Config, opts ...Option) *Client {
	defaultKind, ok := ParseKind(cfg.Models.DefaultProvider)
	if !ok {
		defaultKind = KindOpenRouter
	}
	c := &Client{
		providers:   make(map[Kind]Provider, len(Kinds())),
		limiters:    make(map[Kind]*rate.Limiter, len(Kinds())),
		timeouts:    make(map[Kind]time.Duration, len(Kinds())),
		defaultKind: defaultKind,
		fallbacks:   cfg.FallbacksFor,
		temperature: cfg.Models.Temperature,
		maxTokens:   cfg.Models.MaxTokens,
		attempts:    cfg.Models.RetryAttempts,
		baseDelay:   time.Duration(cfg.Models.RetryBaseMS) * time.Millisecond,
		maxDelay:    time.Duration(cfg.Models.RetryMaxMS) * time.Millisecond,
		rateWait:    time.Duration(cfg.Models.RateWaitSeconds) * time.Second,
		sleep:       sleepContext,
		logger:      logging.NewNop(),
	}
	for _, kind := range Kinds() {
		settings, _ := cfg.ProviderSettings(string(kind))
		provider, err := NewProvider(kind, settings)
		if err == nil {
			c.providers[kind] = provider
		}
		c.limiters[kind] = newLimiter(settings)
		if settings.TimeoutSeconds > 0 {
			c.timeouts[kind] = time.Duration(settings.TimeoutSeconds) * time.Second
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}
	c.logger = logging.NewComponentLogger(c.logger, "modelclient")
	return c
}

// Classify asks the model chain for a label for one unit.
func (c *Client) Classify(ctx context.Context, req Request) (Result, error) {
	prompt := buildClassifyPrompt(req)
	prompt.Temperature = c.temperature
	prompt.MaxTokens = c.maxTokens
	raw, model, err := c.run(ctx, c.chain(req.Model, req.Fallbacks), prompt)
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	result := ParseClassification(raw)
	result.Model = model
	return result, nil
}

// Complete sends a raw prompt to model and its configured fallbacks.
func (c *Client) Complete(ctx context.Context, model string, prompt Prompt) (string, error) {
	if prompt.Temperature == 0 {
		prompt.Temperature = c.temperature
	}
	if prompt.MaxTokens == 0 {
		prompt.MaxTokens = c.maxTokens
	}
	raw, _, err := c.run(ctx, c.chain(model, nil), prompt)
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	return raw, nil
}

// EnhanceInstructions asks the mother model to rewrite the user's
// instructions for the child model.
func (c *Client) EnhanceInstructions(ctx context.Context, model, instructions string, labels []string) (string, error) {
	raw, err := c.Complete(ctx, model, buildEnhancePrompt(instructions, labels))
	if err != nil {
		return "", err
	}
	enhanced := strings.TrimSpace(llm.StripCodeFence(raw))
	if enhanced == "" {
		return "", services.Wrap(services.ErrTransient, "modelclient", "enhance instructions", "empty response", nil)
	}
	return enhanced, nil
}

// chain returns model followed by its fallbacks, without duplicates.
func (c *Client) chain(model string, extra []string) []string {
	candidates := append([]string{model}, extra...)
	if c.fallbacks != nil {
		candidates = append(candidates, c.fallbacks(model)...)
	}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
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
	return out
}

func (c *Client) run(ctx context.Context, chain []string, prompt Prompt) (string, string, error) {
	if len(chain) == 0 {
		return "", "", services.Wrap(services.ErrMalformedRequest, "modelclient", "run", "no model given", nil)
	}
	var lastErr error
	for i, modelID := range chain {
		raw, err := c.callModel(ctx, modelID, prompt)
		if err == nil {
			return raw, modelID, nil
		}
		if ctx.Err() != nil {
			return "", modelID, ctx.Err()
		}
		lastErr = err
		if i < len(chain)-1 {
			logging.WarnWithContext(logging.WithContext(ctx, c.logger), "model exhausted, switching to fallback", "model_fallback",
				logging.Model(modelID),
				logging.String("next_model", chain[i+1]),
				logging.ErrorKind(err),
				logging.Error(err),
				logging.String(logging.FieldImpact, "unit will be labeled by a fallback model"),
			)
		}
	}
	return "", chain[len(chain)-1], fmt.Errorf("all models failed (%s): %w", strings.Join(chain, ", "), lastErr)
}

func (c *Client) callModel(ctx context.Context, modelID string, prompt Prompt) (string, error) {
	kind, model := ParseModelID(modelID, c.defaultKind)
	provider, ok := c.providers[kind]
	if !ok {
		return "", services.Wrap(services.ErrConfiguration, "modelclient", "call", fmt.Sprintf("provider %s unavailable", kind), nil)
	}
	prompt.Model = model
	logger := logging.WithContext(ctx, c.logger)

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		raw, err := c.callOnce(ctx, kind, provider, prompt)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !services.Retryable(err) || attempt == c.attempts {
			break
		}
		delay := c.backoff(attempt)
		if hint := llm.RetryAfter(err); hint > delay {
			delay = hint
		}
		logger.Debug("retrying model call",
			logging.String(logging.FieldProvider, string(kind)),
			logging.Model(model),
			logging.Int(logging.FieldAttempt, attempt),
			logging.Duration("delay", delay),
			logging.ErrorKind(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) callOnce(ctx context.Context, kind Kind, provider Provider, prompt Prompt) (string, error) {
	if err := waitLimiter(ctx, c.limiters[kind], kind, c.rateWait); err != nil {
		return "", err
	}
	callCtx := ctx
	if timeout := c.timeouts[kind]; timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	raw, err := provider.Complete(callCtx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, services.ErrModelTimeout) {
			return "", services.Wrap(services.ErrModelTimeout, string(kind), "complete", "", err)
		}
		return "", err
	}
	return raw, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.maxDelay > 0 && delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if c.maxDelay > 0 && delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
