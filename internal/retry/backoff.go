// Package retry computes per-attempt backoff delays for the three work kinds.
package retry

import (
	"math/rand/v2"
	"time"
)

// DefaultDelaysSeconds is the shared backoff table, in seconds. The attempt
// index is clamped to the last entry.
var DefaultDelaysSeconds = []int{60, 120, 360, 1440, 7200, 43200, 86400}

// DefaultJitter is the upper bound of the multiplicative jitter factor:
// delay * (1 + uniform(0, jitter)).
const DefaultJitter = 0.618

// Delay returns the backoff for the given 1-based attempt count.
// attempt <= 0 is treated as the first attempt; an empty table yields the
// default table.
func Delay(attempt int, delaysSeconds []int) time.Duration {
	return delayWithRand(attempt, delaysSeconds, rand.Float64)
}

func delayWithRand(attempt int, delaysSeconds []int, randFloat func() float64) time.Duration {
	if len(delaysSeconds) == 0 {
		delaysSeconds = DefaultDelaysSeconds
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delaysSeconds) {
		idx = len(delaysSeconds) - 1
	}
	base := time.Duration(delaysSeconds[idx]) * time.Second
	factor := 1 + randFloat()*DefaultJitter
	return time.Duration(float64(base) * factor)
}
