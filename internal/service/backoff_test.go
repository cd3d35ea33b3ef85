package service

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DelayIsNonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: 0.9, Rand: rng.Float64}

	for trial := 0; trial < 200; trial++ {
		prev := time.Duration(0)
		for attempts := 1; attempts <= 12; attempts++ {
			d := b.Delay(attempts)
			assert.GreaterOrEqual(t, d, prev, "trial %d attempts %d", trial, attempts)
			assert.LessOrEqual(t, d, b.Max)
			prev = d
		}
	}
}

func TestBackoff_ExtremeJitterStillOrdered(t *testing.T) {
	hi := Backoff{Base: time.Second, Max: time.Hour, Jitter: 5, Rand: func() float64 { return 0.999999 }}
	lo := Backoff{Base: time.Second, Max: time.Hour, Jitter: 5, Rand: func() float64 { return 0 }}

	for attempts := 0; attempts < 8; attempts++ {
		assert.Less(t, hi.Delay(attempts), lo.Delay(attempts+1))
	}
}

func TestBackoff_NoJitterIsExact(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(200))
}
