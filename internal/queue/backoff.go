package queue

import (
	"math"
	"math/rand"
	"time"
)

// computeBackoff returns the delay before the n-th redelivery (n >= 1).
// Exponential from base, capped, with +/-20% jitter so peer nodes don't
// stampede the table in lockstep.
func computeBackoff(base, max time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max <= 0 {
		max = 10 * time.Minute
	}
	if failures < 1 {
		failures = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(failures-1)))
	if d > max || d < 0 {
		d = max
	}
	delta := float64(d) * 0.20
	low := float64(d) - delta
	high := float64(d) + delta
	return time.Duration(low + rand.Float64()*(high-low))
}
