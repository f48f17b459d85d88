package modelclient

import (
	"context"
	"strings"

	"labelflow/internal/config"
	"labelflow/internal/services/llm"
)

// chatProvider serves OpenAI-compatible chat completion endpoints
// (OpenRouter, Ollama) through the in-repo HTTP client.
type chatProvider struct {
	kind       Kind
	client     *llm.Client
	requireKey bool
	hasKey     bool
}

func newChatProvider(kind Kind, settings config.Provider, requireKey bool, opts ...llm.Option) *chatProvider {
	return &chatProvider{
		kind: kind,
		client: llm.NewClient(llm.Config{
			APIKey:         settings.APIKey,
			BaseURL:        settings.BaseURL,
			Referer:        settings.Referer,
			Title:          settings.Title,
			TimeoutSeconds: settings.TimeoutSeconds,
		}, opts...),
		requireKey: requireKey,
		hasKey:     strings.TrimSpace(settings.APIKey) != "",
	}
}

func (p *chatProvider) Kind() Kind { return p.kind }

func (p *chatProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if p.requireKey && !p.hasKey {
		return "", missingKey(p.kind)
	}
	messages := make([]llm.Message, 0, 2)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, llm.Message{Role: "system", Content: prompt.System})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt.User})
	content, err := p.client.Chat(ctx, llm.ChatRequest{
		Model:       prompt.Model,
		Messages:    messages,
		Temperature: prompt.Temperature,
		MaxTokens:   prompt.MaxTokens,
		JSONMode:    prompt.JSON,
	})
	if err != nil {
		return "", providerError(p.kind, err, nil)
	}
	return content, nil
}

// Models lists the model ids the endpoint serves.
func (p *chatProvider) Models(ctx context.Context) ([]string, error) {
	if p.requireKey && !p.hasKey {
		return nil, missingKey(p.kind)
	}
	models, err := p.client.Models(ctx)
	if err != nil {
		return nil, providerError(p.kind, err, nil)
	}
	return models, nil
}
