// Package backoff provides exponential backoff with jitter for downstream
// transport reconnects.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the first backoff duration.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0).
	Jitter float64
}

// ReconnectPolicy returns the policy used for downstream transport
// reconnects: 250ms initial, 30s cap, doubling, 20% jitter.
func ReconnectPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay computes the backoff for attempt (1-indexed):
// min(Max, Initial * Factor^(attempt-1) * (1 + Jitter*rand)).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // jitter needs no crypto randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff, respecting context cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
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
