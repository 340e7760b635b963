package step

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deepscribe/internal/llm"
)

// RetryPolicy retries rate-limited calls with linear backoff. Attempt n waits
// min(BaseDelay*n, MaxDelay) before retrying. Non-rate-limit errors fail
// immediately.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     *slog.Logger
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  10 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke runs fn, retrying only when the error looks like a provider rate
// limit. The last error is returned tagged with the attempt count once
// retries are exhausted.
func Invoke[T any](ctx context.Context, p RetryPolicy, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.delay(attempt)
			logger.Warn("rate limited, retrying",
				"step", name, "attempt", attempt, "max_retries", p.MaxRetries, "wait", wait)
			if err := p.sleep(ctx, wait); err != nil {
				return zero, err
			}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !llm.IsRateLimited(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%s: rate limit retries exhausted after %d attempts: %w", name, p.MaxRetries, lastErr)
}
