package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Multiplier: 2, Max: 10 * time.Minute}

	assert.Equal(t, 30*time.Second, b.Delay(1))
	assert.Equal(t, time.Minute, b.Delay(2))
	assert.Equal(t, 2*time.Minute, b.Delay(3))
	assert.Equal(t, 8*time.Minute, b.Delay(5))
	assert.Equal(t, 10*time.Minute, b.Delay(6))
	assert.Equal(t, 10*time.Minute, b.Delay(60))
}

func TestBackoffJitterNeverDecreases(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		b := Backoff{Base: 30 * time.Second, Multiplier: 1.1, Max: time.Hour, Jitter: 0.5, Rand: func() float64 { return r }}
		prev := time.Duration(0)
		for k := 1; k <= 80; k++ {
			d := b.Delay(k)
			assert.GreaterOrEqual(t, d, prev, "attempt %d with rand %v", k, r)
			assert.LessOrEqual(t, d, time.Hour)
			prev = d
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := DefaultBackoff()
	b.Rand = func() float64 { return 0 }
	assert.Equal(t, 30*time.Second, b.Delay(0))
	assert.Equal(t, 6*time.Hour, b.Delay(100))
}
