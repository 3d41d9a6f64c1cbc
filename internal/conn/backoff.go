package conn

import (
	"math/rand"
	"time"
)

// backoff returns the delay before reconnect attempt n (1-based):
// exponential growth from base, capped, with full jitter so a fleet of
// clients does not reconnect in lockstep.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d <= 0 {
		return 0
	}
	// Equal jitter: [d/2, d).
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
