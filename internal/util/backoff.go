package util

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff yields doubling delays capped at a maximum. It is not safe for
// concurrent use; each retry loop owns its own.
type Backoff struct {
	next     time.Duration
	maxDelay time.Duration
}

// NewBackoff returns a new Backoff with the given initial and maximum delays.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{next: initial, maxDelay: maxDelay}
}

// Next returns the current delay and advances to the next value.
func (b *Backoff) Next() time.Duration {
	current := b.next
	b.next = min(2*b.next, b.maxDelay)
	return current
}

// Retry calls fn up to attempts times until it succeeds, sleeping on clock
// between failures. It returns the last error, or the context's error if ctx
// ends while waiting.
func Retry(ctx context.Context, clock clockwork.Clock, attempts int, b *Backoff, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if delay := b.Next(); delay > 0 {
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
