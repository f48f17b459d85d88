package modelclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"labelflow/internal/config"
	"labelflow/internal/modelclient"
	"labelflow/internal/services"
	"labelflow/internal/services/llm"
)

type reply struct {
	raw string
	err error
}

type scriptedProvider struct {
	kind modelclient.Kind

	mu      sync.Mutex
	replies []reply
	prompts []modelclient.Prompt
}

func newScripted(kind modelclient.Kind, replies ...reply) *scriptedProvider {
	return &scriptedProvider{kind: kind, replies: replies}
}

func (p *scriptedProvider) Kind() modelclient.Kind { return p.kind }

func (p *scriptedProvider) Complete(_ context.Context, prompt modelclient.Prompt) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if len(p.replies) == 0 {
		return "", services.Wrap(services.ErrTransient, "test", "complete", "script exhausted", nil)
	}
	next := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return next.raw, next.err
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models.DefaultProvider = "openrouter"
	cfg.Models.RetryAttempts = 3
	cfg.Models.RetryBaseMS = 100
	cfg.Models.RetryMaxMS = 150
	cfg.Models.RateWaitSeconds = 1
	return &cfg
}

func errOf(marker error) error {
	return services.Wrap(marker, "test", "complete", "scripted", nil)
}

func classifyRequest(model string, fallbacks ...string) modelclient.Request {
	return modelclient.Request{
		Model:        model,
		Fallbacks:    fallbacks,
		Instructions: "Label by topic.",
		Labels:       []string{"product_review", "news"},
		Text:         "The battery lasts all day.",
	}
}

func TestParseModelID(t *testing.T) {
	cases := []struct {
		id        string
		wantKind  modelclient.Kind
		wantModel string
	}{
		{"anthropic:claude-3-5-haiku", modelclient.KindAnthropic, "claude-3-5-haiku"},
		{"OpenAI:gpt-4o-mini", modelclient.KindOpenAI, "gpt-4o-mini"},
		{"ollama:llama3:8b", modelclient.KindOllama, "llama3:8b"},
		{"llama3:8b", modelclient.KindOpenRouter, "llama3:8b"},
		{"openai/gpt-4o-mini", modelclient.KindOpenRouter, "openai/gpt-4o-mini"},
	}
	for _, tc := range cases {
		kind, model := modelclient.ParseModelID(tc.id, modelclient.KindOpenRouter)
		assert.Equal(t, tc.wantKind, kind, tc.id)
		assert.Equal(t, tc.wantModel, model, tc.id)
	}
}

func TestClassifyRetriesRetryableErrorsWithBackoff(t *testing.T) {
	primary := newScripted(modelclient.KindOpenRouter,
		reply{err: errOf(services.ErrTransient)},
		reply{err: errOf(services.ErrModelTimeout)},
		reply{raw: `{"label": "product_review", "confidence": 0.9, "reasoning": "mentions battery"}`},
	)
	sleeper := &sleepRecorder{}
	client := modelclient.New(testConfig(), modelclient.WithProvider(primary), modelclient.WithSleeper(sleeper.sleep))

	result, err := client.Classify(context.Background(), classifyRequest("openrouter:test"))
	require.NoError(t, err)
	assert.Equal(t, "product_review", result.Label)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.Equal(t, "openrouter:test", result.Model)
	assert.Equal(t, 3, primary.calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, sleeper.delays)

	prompt := primary.prompts[0]
	assert.Equal(t, "test", prompt.Model)
	assert.True(t, prompt.JSON)
	assert.Contains(t, prompt.User, "- product_review\n- news\n")
	assert.Contains(t, prompt.User, "The battery lasts all day.")
}

func TestClassifyHonorsRetryAfter(t *testing.T) {
	limited := services.Wrap(services.ErrRateLimited, "test", "complete", "", &llm.StatusError{StatusCode: 429, RetryAfter: 2 * time.Second})
	primary := newScripted(modelclient.KindOpenRouter, reply{err: limited}, reply{raw: `{"label":"news"}`})
	sleeper := &sleepRecorder{}
	client := modelclient.New(testConfig(), modelclient.WithProvider(primary), modelclient.WithSleeper(sleeper.sleep))

	result, err := client.Classify(context.Background(), classifyRequest("test"))
	require.NoError(t, err)
	assert.Equal(t, "news", result.Label)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.delays)
}

func TestClassifyAuthErrorSkipsRetriesAndFallsBack(t *testing.T) {
	primary := newScripted(modelclient.KindOpenRouter, reply{err: errOf(services.ErrModelAuth)})
	fallback := newScripted(modelclient.KindAnthropic, reply{raw: "```json\n{\"label\": \"news\"}\n```"})
	sleeper := &sleepRecorder{}
	client := modelclient.New(testConfig(),
		modelclient.WithProvider(primary),
		modelclient.WithProvider(fallback),
		modelclient.WithSleeper(sleeper.sleep),
	)

	result, err := client.Classify(context.Background(), classifyRequest("openrouter:primary", "anthropic:claude-3-5-haiku"))
	require.NoError(t, err)
	assert.Equal(t, "news", result.Label)
	assert.Equal(t, "anthropic:claude-3-5-haiku", result.Model)
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 1, fallback.calls())
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, "claude-3-5-haiku", fallback.prompts[0].Model)
}

func TestClassifyFallsBackAfterRetriesAreExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Models.Fallbacks = map[string][]string{"openrouter:primary": {"openai:gpt-4o-mini"}}
	primary := newScripted(modelclient.KindOpenRouter, reply{err: errOf(services.ErrTransient)})
	fallback := newScripted(modelclient.KindOpenAI, reply{raw: `{"label":"product_review"}`})
	sleeper := &sleepRecorder{}
	client := modelclient.New(cfg,
		modelclient.WithProvider(primary),
		modelclient.WithProvider(fallback),
		modelclient.WithSleeper(sleeper.sleep),
	)

	result, err := client.Classify(context.Background(), classifyRequest("openrouter:primary"))
	require.NoError(t, err)
	assert.Equal(t, "product_review", result.Label)
	assert.Equal(t, 3, primary.calls())
	assert.Equal(t, 1, fallback.calls())
}

func TestClassifyReturnsLastErrorWhenChainFails(t *testing.T) {
	primary := newScripted(modelclient.KindOpenRouter, reply{err: errOf(services.ErrTransient)})
	fallback := newScripted(modelclient.KindGemini, reply{err: errOf(services.ErrMalformedRequest)})
	client := modelclient.New(testConfig(),
		modelclient.WithProvider(primary),
		modelclient.WithProvider(fallback),
		modelclient.WithSleeper((&sleepRecorder{}).sleep),
	)

	_, err := client.Classify(context.Background(), classifyRequest("primary", "gemini:gemini-2.0-flash", "primary"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrMalformedRequest))
	assert.False(t, services.Retryable(err))
	assert.Equal(t, 1, fallback.calls())
}

func TestClassifyRateLimiterWaitExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Models.RetryAttempts = 2
	primary := newScripted(modelclient.KindOpenRouter, reply{raw: `{"label":"news"}`})
	client := modelclient.New(cfg,
		modelclient.WithProvider(primary),
		modelclient.WithLimiter(modelclient.KindOpenRouter, rate.NewLimiter(rate.Every(time.Hour), 1)),
		modelclient.WithSleeper((&sleepRecorder{}).sleep),
	)

	_, err := client.Classify(context.Background(), classifyRequest("test"))
	require.NoError(t, err)

	_, err = client.Classify(context.Background(), classifyRequest("test"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrRateLimited))
	assert.Equal(t, 1, primary.calls(), "a request must not be sent without a token")
}

func TestClassifyStopsOnCancelledContext(t *testing.T) {
	primary := newScripted(modelclient.KindOpenRouter, reply{err: errOf(services.ErrTransient)})
	ctx, cancel := context.WithCancel(context.Background())
	client := modelclient.New(testConfig(),
		modelclient.WithProvider(primary),
		modelclient.WithSleeper(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}),
	)

	_, err := client.Classify(ctx, classifyRequest("test", "openai:gpt-4o-mini"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, primary.calls())
}

func TestEnhanceInstructions(t *testing.T) {
	mother := newScripted(modelclient.KindOpenRouter, reply{raw: "```\nproduct_review: opinions about products\nnews: reports of events\n```"})
	client := modelclient.New(testConfig(), modelclient.WithProvider(mother))

	enhanced, err := client.EnhanceInstructions(context.Background(), "mother", "sort reviews from news", []string{"product_review", "news"})
	require.NoError(t, err)
	assert.Equal(t, "product_review: opinions about products\nnews: reports of events", enhanced)
	assert.Contains(t, mother.prompts[0].User, "Allowed labels: product_review, news")
	assert.False(t, mother.prompts[0].JSON)
}
