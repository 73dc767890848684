package remote

import (
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with jitter for the redial
// loop. It hands out durations instead of sleeping so the caller can
// select against its context.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff ramping from initial to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

// Next returns the delay to wait before the next attempt and advances
// the schedule. Jitter is +/-20% of the current step.
func (b *Backoff) Next() time.Duration {
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	delay := time.Duration(float64(b.current) + jitter)

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}

	return delay
}

// Reset rewinds the schedule to the initial delay.
func (b *Backoff) Reset() {
	b.current = b.initial
}

// Current returns the next undithered step size.
func (b *Backoff) Current() time.Duration {
	return b.current
}
