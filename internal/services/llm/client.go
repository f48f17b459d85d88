package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"labelflow/internal/services"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	completionsSuffix  = "/chat/completions"
)

// Config describes one OpenAI-compatible endpoint. BaseURL is the full
// chat completions URL.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// DefaultHTTPTimeout is the request timeout used when none is configured.
func DefaultHTTPTimeout() time.Duration {
	return defaultHTTPTimeout
}

// Client sends single chat completion requests. Retries and fallback belong
// to the caller.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			Referer:        strings.TrimSpace(cfg.Referer),
			Title:          strings.TrimSpace(cfg.Title),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a single completion call. An empty Model uses the
// client's configured model.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
		// Some gateways answer with the streaming shape even when stream=false.
		Delta        chatMessage `json:"delta"`
		Text         string      `json:"text"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type chatMessage struct {
	Content string `json:"content"`
	Refusal string `json:"refusal"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}

// Chat issues one chat completion and returns the assistant content. Every
// error carries a services taxonomy marker.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", services.Wrap(services.ErrConfiguration, "llm", "chat", "base url required", nil)
	}
	if len(req.Messages) == 0 {
		return "", services.Wrap(services.ErrMalformedRequest, "llm", "chat", "at least one message required", nil)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return "", services.Wrap(services.ErrMalformedRequest, "llm", "chat", "model required", nil)
	}

	payload := chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", services.Wrap(services.ErrMalformedRequest, "llm", "chat", "encode body", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", classify("chat", err)
	}
	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", services.Wrap(services.ErrTransient, "llm", "chat", "decode response: "+snippet(string(body)), err)
	}
	if completion.Error != nil {
		return "", classify("chat", completion.Error.asError())
	}

	var finishReason, refusal string
	for _, choice := range completion.Choices {
		if content := firstNonEmpty(choice.Message.Content, choice.Delta.Content, choice.Text); content != "" {
			return content, nil
		}
		if finishReason == "" {
			finishReason = strings.TrimSpace(choice.FinishReason)
		}
		if refusal == "" {
			refusal = firstNonEmpty(choice.Message.Refusal, choice.Delta.Refusal)
		}
	}
	msg := fmt.Sprintf("empty content (choices=%d, finish_reason=%q, refusal=%q)", len(completion.Choices), finishReason, refusal)
	return "", services.Wrap(services.ErrTransient, "llm", "chat", msg, nil)
}

// Models lists the model ids served by the endpoint's sibling /models route.
// OpenRouter and Ollama both expose it.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	if c.cfg.BaseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "llm", "models", "base url required", nil)
	}
	body, err := c.do(ctx, http.MethodGet, modelsURL(c.cfg.BaseURL), nil)
	if err != nil {
		return nil, classify("models", err)
	}
	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, services.Wrap(services.ErrTransient, "llm", "models", "decode response: "+snippet(string(body)), err)
	}
	ids := make([]string, 0, len(listing.Data))
	for _, entry := range listing.Data {
		if id := strings.TrimSpace(entry.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func modelsURL(base string) string {
	base = strings.TrimRight(base, "/")
	return strings.TrimSuffix(base, completionsSuffix) + "/models"
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s (timeout=%s): %w", method, c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := ParseRetryAfter(resp.Header.Get("Retry-After"))
		return data, &StatusError{StatusCode: resp.StatusCode, Body: snippet(string(data)), RetryAfter: retryAfter}
	}
	return data, nil
}

// asError converts an error object returned inside a 200 body. OpenRouter
// reports upstream failures this way, with the HTTP status as the code.
func (e *apiError) asError() error {
	message := strings.TrimSpace(e.Message)
	code := 0
	switch v := e.Code.(type) {
	case float64:
		code = int(v)
	case string:
		code, _ = strconv.Atoi(v)
	}
	if code >= http.StatusBadRequest {
		return &StatusError{StatusCode: code, Body: message}
	}
	return fmt.Errorf("api error: %s", message)
}

// ParseRetryAfter interprets a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay >= 0 {
			return delay, true
		}
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
