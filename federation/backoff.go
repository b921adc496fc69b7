package federation

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(Base * Multiplier^k, Max), with up to Jitter
// (a fraction of the delay) added on top. The jittered delay for attempt k never
// exceeds the un-jittered delay of attempt k+1, so delays never decrease.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       30 * time.Second,
		Multiplier: 2,
		Max:        6 * time.Hour,
		Jitter:     0.2,
	}
}

// Delay returns the wait before the retry following failed attempt k (k starts at 1).
func (b Backoff) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	base := b.raw(k)
	if b.Jitter <= 0 || base >= b.max() {
		return base
	}
	headroom := b.raw(k+1) - base
	jitter := time.Duration(float64(base) * b.Jitter * b.random())
	if jitter > headroom {
		jitter = headroom
	}
	return base + jitter
}

func (b Backoff) raw(k int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(k-1))
	if d >= float64(b.max()) || math.IsInf(d, 0) {
		return b.max()
	}
	return time.Duration(d)
}

func (b Backoff) max() time.Duration {
	if b.Max <= 0 {
		return 6 * time.Hour
	}
	return b.Max
}

func (b Backoff) random() float64 {
	if b.Rand != nil {
		return b.Rand()
	}
	return rand.Float64()
}
