package executor

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines a bounded exponential backoff.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0.0-1.0
}

// CalculateDelay returns the wait before retry number attempt (1-based).
func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 || p.InitialDelay <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		jitter := float64(delay) * p.JitterFactor * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Retry runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= p.MaxRetries || !retryable(err) {
			break
		}

		if delay := p.CalculateDelay(attempt + 1); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
	}
	return lastErr
}
