package modelclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"labelflow/internal/config"
	"labelflow/internal/services/llm"
)

type openAIProvider struct {
	client *openai.Client
	hasKey bool
}

func newOpenAIProvider(settings config.Provider) *openAIProvider {
	clientConfig := openai.DefaultConfig(settings.APIKey)
	if base := strings.TrimSpace(settings.BaseURL); base != "" {
		clientConfig.BaseURL = strings.TrimRight(base, "/")
	}
	timeout := llm.DefaultHTTPTimeout()
	if settings.TimeoutSeconds > 0 {
		timeout = time.Duration(settings.TimeoutSeconds) * time.Second
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	return &openAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		hasKey: strings.TrimSpace(settings.APIKey) != "",
	}
}

func (p *openAIProvider) Kind() Kind { return KindOpenAI }

func (p *openAIProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if !p.hasKey {
		return "", missingKey(KindOpenAI)
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.User})

	req := openai.ChatCompletionRequest{
		Model:       prompt.Model,
		Messages:    messages,
		Temperature: float32(prompt.Temperature),
		MaxTokens:   prompt.MaxTokens,
	}
	if prompt.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", providerError(KindOpenAI, err, openAIStatus(err))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", emptyResponse(KindOpenAI, prompt.Model)
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) *llm.StatusError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &llm.StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &llm.StatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return nil
}
