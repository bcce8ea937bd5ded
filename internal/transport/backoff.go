package transport

import "time"

// Backoff computes reconnect delays: Initial for the first attempt, then the previous
// delay multiplied by Decay, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Decay   float64
}

// Delay returns the wait before the given reconnect attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Initial
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * b.Decay)
		if next >= b.Max {
			return b.Max
		}
		wait = next
	}
	return min(wait, b.Max)
}
