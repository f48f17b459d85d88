package modelclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"labelflow/internal/config"
	"labelflow/internal/services"
	"labelflow/internal/services/llm"
)

// geminiProvider creates its SDK client on first use; genai.NewClient
// validates credentials eagerly.
type geminiProvider struct {
	settings config.Provider

	mu     sync.Mutex
	client *genai.Client
}

func newGeminiProvider(settings config.Provider) *geminiProvider {
	return &geminiProvider{settings: settings}
}

func (p *geminiProvider) Kind() Kind { return KindGemini }

func (p *geminiProvider) sdk(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	if strings.TrimSpace(p.settings.APIKey) == "" {
		return nil, missingKey(KindGemini)
	}
	timeout := llm.DefaultHTTPTimeout()
	if p.settings.TimeoutSeconds > 0 {
		timeout = time.Duration(p.settings.TimeoutSeconds) * time.Second
	}
	clientConfig := &genai.ClientConfig{
		APIKey:     p.settings.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if base := strings.TrimSpace(p.settings.BaseURL); base != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, string(KindGemini), "new client", "", err)
	}
	p.client = client
	return client, nil
}

func (p *geminiProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	client, err := p.sdk(ctx)
	if err != nil {
		return "", err
	}
	generateConfig := &genai.GenerateContentConfig{}
	if prompt.MaxTokens > 0 {
		generateConfig.MaxOutputTokens = int32(prompt.MaxTokens)
	}
	if prompt.Temperature > 0 {
		generateConfig.Temperature = genai.Ptr(float32(prompt.Temperature))
	}
	if strings.TrimSpace(prompt.System) != "" {
		generateConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(prompt.System)},
		}
	}
	if prompt.JSON {
		generateConfig.ResponseMIMEType = "application/json"
	}

	resp, err := client.Models.GenerateContent(ctx, prompt.Model, genai.Text(prompt.User), generateConfig)
	if err != nil {
		return "", providerError(KindGemini, err, geminiStatus(err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", emptyResponse(KindGemini, prompt.Model)
	}
	var text strings.Builder
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", emptyResponse(KindGemini, prompt.Model)
	}
	return text.String(), nil
}

func geminiStatus(err error) *llm.StatusError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llm.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &llm.StatusError{StatusCode: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return nil
}
