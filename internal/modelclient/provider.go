package modelclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"labelflow/internal/config"
	"labelflow/internal/services"
	"labelflow/internal/services/llm"
)

// Kind names a model backend.
type Kind string

const (
	KindOpenRouter Kind = "openrouter"
	KindOpenAI     Kind = "openai"
	KindAnthropic  Kind = "anthropic"
	KindGemini     Kind = "gemini"
	KindOllama     Kind = "ollama"
)

// Kinds lists every supported backend.
func Kinds() []Kind {
	return []Kind{KindOpenRouter, KindOpenAI, KindAnthropic, KindGemini, KindOllama}
}

// ParseKind converts a provider name into a Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range Kinds() {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// ParseModelID splits "<provider>:<model>". Ids without a known provider
// prefix belong to fallback, so "llama3:8b" stays whole.
func ParseModelID(id string, fallback Kind) (Kind, string) {
	id = strings.TrimSpace(id)
	if prefix, rest, ok := strings.Cut(id, ":"); ok {
		if kind, known := ParseKind(prefix); known {
			return kind, strings.TrimSpace(rest)
		}
	}
	return fallback, id
}

// Prompt is one completion request sent to a provider.
type Prompt struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Provider is one model backend.
type Provider interface {
	Kind() Kind
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// NewProvider builds the backend for kind from its settings.
func NewProvider(kind Kind, settings config.Provider) (Provider, error) {
	switch kind {
	case KindOpenRouter:
		return newChatProvider(KindOpenRouter, settings, true), nil
	case KindOllama:
		return newChatProvider(KindOllama, settings, false), nil
	case KindOpenAI:
		return newOpenAIProvider(settings), nil
	case KindAnthropic:
		return newAnthropicProvider(settings), nil
	case KindGemini:
		return newGeminiProvider(settings), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "modelclient", "new provider", fmt.Sprintf("unknown provider %q", kind), nil)
	}
}

func missingKey(kind Kind) error {
	return services.Wrap(services.ErrModelAuth, string(kind), "complete", "api key not configured", nil)
}

// providerError maps a provider failure onto the error taxonomy. status is
// the HTTP status reported by the SDK, or nil when the call never got one.
func providerError(kind Kind, err error, status *llm.StatusError) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	if status != nil && status.StatusCode > 0 {
		return services.Wrap(llm.StatusMarker(status.StatusCode), string(kind), "complete", "", status)
	}
	return services.Wrap(llm.TransportMarker(err), string(kind), "complete", "", err)
}

func emptyResponse(kind Kind, model string) error {
	return services.Wrap(services.ErrTransient, string(kind), "complete", fmt.Sprintf("model %s returned no content", model), nil)
}
