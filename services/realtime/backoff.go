package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBackoff starts at 500ms, doubles to a 30s ceiling with 20% jitter and
// never gives up.
func DefaultBackoff() *backoff.ExponentialBackOff {
	return NewBackoff(500*time.Millisecond, 30*time.Second, 0.2)
}

// NewBackoff builds an exponential reconnect schedule without an elapsed-time limit.
func NewBackoff(initial, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
