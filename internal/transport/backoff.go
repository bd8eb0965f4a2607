package transport

import (
	"math/rand"
	"time"
)

// Backoff produces an exponential, capped, jittered retry schedule.
// The zero value is not usable; use NewBackoff.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max < base {
		max = 10 * time.Second
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay before the following attempt: base doubled per
// attempt, capped at max, with the upper half jittered to spread redials.
func (b *Backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half) + 1))
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
