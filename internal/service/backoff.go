package service

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays as min(Base*2^attempts*(1+Jitter*u), Max)
// with u drawn from [0,1). Jitter is clamped to [0,1), which keeps delays
// non-decreasing in attempts: the largest value for n is below the
// smallest for n+1.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = math.Nextafter(1, 0)
	}
	u := 0.0
	if jitter > 0 {
		if b.Rand != nil {
			u = b.Rand()
		} else {
			u = rand.Float64()
		}
	}

	d := float64(b.Base) * math.Pow(2, float64(attempts)) * (1 + jitter*u)
	if b.Max > 0 && (d >= float64(b.Max) || math.IsInf(d, 0)) {
		return b.Max
	}
	return time.Duration(d)
}
