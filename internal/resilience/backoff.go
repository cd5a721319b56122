// Package resilience provides the retry and backoff primitives shared by
// the tunnel link, the client connection loop and startup probes.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultBackoffMin    = 500 * time.Millisecond
	DefaultBackoffMax    = 4 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffJitter = 0.25
)

// Backoff computes truncated exponential delays with jitter. The zero value
// uses the defaults above. Jitter perturbs each delay by up to ±Jitter of
// its value so reconnecting clients spread out instead of stampeding.
type Backoff struct {
	// Min is the delay before the first retry. Default 500ms.
	Min time.Duration

	// Max caps the grown delay, before jitter. Default 4s.
	Max time.Duration

	// Factor multiplies the delay per attempt. Default 2.
	Factor float64

	// Jitter is the ± fraction applied to each delay. 0 disables jitter;
	// the zero value means the 0.25 default. Set a negative value to force
	// jitter off explicitly.
	Jitter float64
}

func (b Backoff) normalized() Backoff {
	if b.Min <= 0 {
		b.Min = DefaultBackoffMin
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Jitter == 0 {
		b.Jitter = DefaultBackoffJitter
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before retry attempt (0-based): Min grown by
// Factor^attempt, capped at Max, then jittered. The result is never
// negative.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()

	d := float64(b.Min)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Sleep waits for Delay(attempt) or until ctx is cancelled, returning the
// context error on cancellation.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
