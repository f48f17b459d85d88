package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"labelflow/internal/progress"
	"labelflow/internal/services"
)

// Client talks to a running labelflow daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the daemon at bind ("host:port" or a full
// URL). An empty token sends no Authorization header.
func NewClient(bind, token string, httpClient *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: base, token: strings.TrimSpace(token), http: httpClient}
}

// Health fetches the daemon health summary.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var health HealthResponse
	resp, err := c.get(ctx, "/api/health")
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("decode health: %w", err)
	}
	return health, nil
}

// Watch streams progress snapshots of one job to fn until the terminal
// snapshot arrives, fn returns an error, or ctx ends.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(progress.Snapshot) error) error {
	resp, err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var snap progress.Snapshot
		if err := json.Unmarshal([]byte(line), &snap); err != nil {
			return fmt.Errorf("decode progress event: %w", err)
		}
		if err := fn(snap); err != nil {
			return err
		}
		if snap.Terminal {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read progress stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("progress stream ended before the job finished")
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact daemon at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, responseError(resp)
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload ErrorResponse
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		message = payload.Error
	}
	marker := services.ErrTransient
	switch resp.StatusCode {
	case http.StatusNotFound:
		marker = services.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		marker = services.ErrConfiguration
		message = "daemon rejected the API token"
	case http.StatusBadRequest, http.StatusConflict:
		marker = services.ErrValidation
	}
	return services.Wrap(marker, "api", "request", fmt.Sprintf("%d %s", resp.StatusCode, message), nil)
}
