// Package retry provides the backoff policy shared by the stream reconnect
// path, the REST 429 path, and the batched scoring path.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttempts reports that a bounded retry loop ran out of attempts.
var ErrMaxAttempts = errors.New("max retry attempts reached")

// Policy describes a bounded exponential backoff with jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// Defaults fills in zero fields with conservative values.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	return p
}

// Delay computes the backoff for a 0-indexed attempt:
// min(max, base*factor^attempt) scaled by a uniform jitter in [0.5, 1.5).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	raw := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(raw * jitter)
}

// Sleep blocks for the attempt's delay or until the context is cancelled.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Exhausted reports whether a 0-indexed attempt number is past the cap.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.withDefaults().MaxAttempts
}
