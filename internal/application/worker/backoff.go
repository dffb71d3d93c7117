package worker

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, 0..1
}

// DefaultBackoff returns conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	lo := b.Min
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	hi := b.Max
	if hi <= 0 {
		hi = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}

	wait := lo
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= hi {
			wait = hi
			break
		}
		wait = next
	}
	if wait > hi {
		wait = hi
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	out := wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
	if out > hi {
		out = hi
	}
	return out
}
