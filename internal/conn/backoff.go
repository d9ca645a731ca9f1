package conn

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 10 * time.Second
)

// Backoff computes exponential reconnect delays with proportional jitter.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // ±fraction applied to every delay

	rand func() float64
}

func NewBackoff(base, limit time.Duration) *Backoff {
	return &Backoff{Base: base, Factor: 2, Cap: limit, Jitter: 0.2, rand: rand.Float64}
}

// WithRand replaces the jitter source, which must return values in [0, 1).
func (b *Backoff) WithRand(fn func() float64) *Backoff {
	b.rand = fn
	return b
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt && d < float64(b.Cap); i++ {
		d *= b.Factor
	}
	d = min(d, float64(b.Cap))
	if b.Jitter > 0 && b.rand != nil {
		d *= 1 + b.Jitter*(2*b.rand()-1)
	}
	return time.Duration(d)
}
