package client

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base doubled per failed attempt, capped
// at Max, then multiplied by a jitter factor in [JitterMin, JitterMax).
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	JitterMin float64
	JitterMax float64

	// Rand returns a value in [0, 1). Replaceable in tests.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, JitterMin: 0.8, JitterMax: 1.2}
}

// Delay returns the wait before reconnect attempt n (0 based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	factor := b.JitterMin + (b.JitterMax-b.JitterMin)*r()
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(d) * factor)
}
