package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"labelflow/internal/config"
	"labelflow/internal/progress"
	"labelflow/internal/queue"
)

const userAgent = "labelflow/1.0"

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

// Sink sends ntfy messages for terminal progress snapshots.
type Sink struct {
	endpoint string
	client   *http.Client
}

// NewSink builds a Sink for the configured topic, or returns nil when no
// topic is configured.
func NewSink(cfg *config.Config) *Sink {
	if cfg == nil {
		return nil
	}
	topic := strings.TrimSpace(cfg.Progress.NtfyTopic)
	if topic == "" {
		return nil
	}
	timeout := time.Duration(cfg.Progress.NtfyTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sink{endpoint: topic, client: &http.Client{Timeout: timeout}}
}

// Publish implements progress.Sink.
func (s *Sink) Publish(ctx context.Context, snap progress.Snapshot) error {
	if s == nil || !snap.Terminal {
		return nil
	}
	return s.send(ctx, jobPayload(snap))
}

// Test sends a low-priority message so operators can verify the topic.
func (s *Sink) Test(ctx context.Context) error {
	return s.send(ctx, payload{
		title:    "labelflow - Test",
		message:  "Notification test",
		tags:     []string{"labelflow", "test"},
		priority: "low",
	})
}

func jobPayload(snap progress.Snapshot) payload {
	counts := fmt.Sprintf("%d labeled, %d failed of %d units", snap.Completed, snap.Failed, snap.Total)
	switch snap.Status {
	case queue.JobCompleted:
		return payload{
			title:   "labelflow - Job Complete",
			message: fmt.Sprintf("Job %s complete: %s", snap.JobID, counts),
			tags:    []string{"labelflow", "job", "completed"},
		}
	case queue.JobCompletedWithErrors:
		return payload{
			title:   "labelflow - Job Complete (with errors)",
			message: fmt.Sprintf("Job %s complete: %s", snap.JobID, counts),
			tags:    []string{"labelflow", "job", "warning"},
		}
	case queue.JobCancelled:
		return payload{
			title:   "labelflow - Job Cancelled",
			message: fmt.Sprintf("Job %s cancelled: %s", snap.JobID, counts),
			tags:    []string{"labelflow", "job", "cancelled"},
		}
	default:
		return payload{
			title:    "labelflow - Job Failed",
			message:  fmt.Sprintf("Job %s failed: %s", snap.JobID, counts),
			tags:     []string{"labelflow", "job", "error"},
			priority: "high",
		}
	}
}

func (s *Sink) send(ctx context.Context, data payload) error {
	if s == nil || s.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
