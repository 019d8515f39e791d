package mailsync

import "time"

// Backoff doubles the delay after each failed connection attempt
type Backoff struct {
	start   time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff starting at start and capped at max
func NewBackoff(start, max time.Duration) *Backoff {
	return &Backoff{start: start, max: max, current: start}
}

// Next returns the delay to wait now and doubles the following one
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset goes back to the initial delay
func (b *Backoff) Reset() {
	b.current = b.start
}
