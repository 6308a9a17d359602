// ABOUTME: Exponential backoff with jitter for the agent poll loop
// ABOUTME: Grows on consecutive failures and resets after a good poll

package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff yields growing delays capped at MaxInterval.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	current time.Duration
}

// NewBackoff creates a backoff starting at initial.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
	}
}

// Next returns the next delay with ±10% jitter.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.InitialInterval
	} else {
		b.current = time.Duration(float64(b.current) * b.Multiplier)
		if b.current > b.MaxInterval {
			b.current = b.MaxInterval
		}
	}

	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(b.current))
	return b.current + jitter
}

// Reset returns to the initial interval.
func (b *Backoff) Reset() {
	b.current = 0
}
