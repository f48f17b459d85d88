package modelclient

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"labelflow/internal/config"
	"labelflow/internal/services/llm"
)

const anthropicDefaultMaxTokens = 1024

type anthropicProvider struct {
	client anthropic.Client
	hasKey bool
}

func newAnthropicProvider(settings config.Provider) *anthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(settings.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(settings.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &anthropicProvider{
		client: anthropic.NewClient(opts...),
		hasKey: strings.TrimSpace(settings.APIKey) != "",
	}
}

func (p *anthropicProvider) Kind() Kind { return KindAnthropic }

func (p *anthropicProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if !p.hasKey {
		return "", missingKey(KindAnthropic)
	}
	maxTokens := int64(prompt.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(prompt.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if strings.TrimSpace(prompt.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System, Type: "text"}}
	}
	if prompt.Temperature > 0 {
		params.Temperature = anthropic.Float(prompt.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", providerError(KindAnthropic, err, anthropicStatus(err))
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", emptyResponse(KindAnthropic, prompt.Model)
	}
	return text.String(), nil
}

func anthropicStatus(err error) *llm.StatusError {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return nil
	}
	status := &llm.StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	if apiErr.Response != nil {
		if delay, ok := llm.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After")); ok {
			status.RetryAfter = delay
		}
	}
	return status
}
