package notification

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: Initial * Factor^(n-1), capped at Max,
// with +/- Jitter applied as a fraction of the delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
	rand    func() float64
}

// NewBackoff creates a backoff with 25% jitter
func NewBackoff(initial, maxDelay time.Duration, factor float64) Backoff {
	return Backoff{Initial: initial, Max: maxDelay, Factor: factor, Jitter: 0.25, rand: rand.Float64}
}

// Delay returns the wait before retry number n (n >= 1)
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 && b.rand != nil {
		d += d * b.Jitter * (b.rand()*2 - 1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
