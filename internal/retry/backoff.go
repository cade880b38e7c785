// Package retry holds the delay policy applied between delivery attempts.
package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next attempt.
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt, capped at Max, with an
// optional +/- Jitter fraction.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Next returns the delay to wait after the given (1-based) failed attempt.
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			delay = b.Max
			break
		}
		if delay <= 0 {
			delay = b.Max
			break
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return applyJitter(delay, b.Jitter)
}

// Default mirrors the 5s base used for job retries, capped at five minutes.
func Default() ExponentialBackoff {
	return ExponentialBackoff{
		Base:   5 * time.Second,
		Max:    5 * time.Minute,
		Jitter: 0.2,
	}
}

func applyJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	if factor > 1 {
		factor = 1
	}
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*delta+1)-delta)
}
