package modelclient

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"labelflow/internal/config"
	"labelflow/internal/services"
)

// newLimiter builds the shared token bucket for one provider.
func newLimiter(settings config.Provider) *rate.Limiter {
	if settings.RequestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := settings.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(settings.RequestsPerMinute)), burst)
}

// waitLimiter blocks until limiter grants a token or maxWait runs out. A wait
// that cannot complete in time reports RateLimited without consuming a token.
func waitLimiter(ctx context.Context, limiter *rate.Limiter, kind Kind, maxWait time.Duration) error {
	if limiter == nil {
		return nil
	}
	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrRateLimited, "modelclient", "rate wait", fmt.Sprintf("%s limiter wait exceeded %s", kind, maxWait), err)
	}
	return nil
}
