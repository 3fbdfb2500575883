package executor

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy drives bounded retry with exponential backoff around executor
// calls. Zero values are replaced by the defaults.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// Sleep can be injected by tests to skip real delays. Nil means a
	// context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy mirrors the watch stream's backoff shape: 800ms base,
// doubling per attempt, four attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   800 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Do runs fn until it succeeds, fails non-retryably, or exhausts the
// attempt budget. The delay before attempt n+1 is BaseDelay * Multiplier^n.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultRetryPolicy().BaseDelay
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = DefaultRetryPolicy().Multiplier
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	delay := baseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
	return fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
