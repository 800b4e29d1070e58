// Package retry provides the exponential backoff schedule shared by both
// execution levels. The executors own their attempt loops (healing and
// governance hooks live between attempts), so this package only computes
// delays and sleeps cancellably.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff schedule.
type Policy struct {
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay per failed attempt.
	Multiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// Jitter adds up to 25% random spread to avoid retry storms.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy is the fine-grained schedule used between task attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the backoff before retry n (n >= 1):
// min(base * multiplier^(n-1), max), plus jitter when enabled.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 2.0
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	d := float64(base) * math.Pow(mult, float64(n-1))
	if d > float64(max) {
		d = float64(max)
	}
	if p.Jitter {
		d += d * 0.25 * rand.Float64()
	}
	return time.Duration(d)
}

// Sleep waits for d or until the context is cancelled. A cancellation
// during backoff aborts the whole execution, so the caller must treat a
// non-nil return as terminal, not as a cue for the next attempt.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
