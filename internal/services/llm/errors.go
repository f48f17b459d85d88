package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"labelflow/internal/services"
)

// StatusError reports a non-2xx response from the completions endpoint.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// StatusMarker maps an HTTP status code from any model backend onto the
// services error taxonomy.
func StatusMarker(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return services.ErrModelAuth
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
		return services.ErrMalformedRequest
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return services.ErrModelTimeout
	case code == http.StatusTooManyRequests:
		return services.ErrRateLimited
	default:
		return services.ErrTransient
	}
}

// TransportMarker classifies errors that never produced an HTTP status.
func TransportMarker(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.ErrModelTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.ErrModelTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return services.ErrModelTimeout
	}
	return services.ErrTransient
}

// RetryAfter extracts the server-provided retry hint from err, if any.
func RetryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return services.Wrap(StatusMarker(statusErr.StatusCode), "llm", op, "", err)
	}
	return services.Wrap(TransportMarker(err), "llm", op, "", err)
}
