package retry

import (
	"math/rand"
	"time"
)

// Backoff computes full-jitter exponential delays: a uniform draw from
// (0, min(Cap, Base*2^(attempt-1))]. Jitter spreads retries out so an
// outage does not produce a synchronized storm against the read store.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	max := b.Base << (attempt - 1)
	if max <= 0 || max > b.Cap {
		max = b.Cap
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max))) + 1
}
