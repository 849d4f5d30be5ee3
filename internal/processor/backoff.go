package processor

import (
	"math/rand/v2"
	"time"
)

// Backoff computes min(Base·2^retry, Cap) plus up to a quarter of that in jitter.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	jitter func(n int64) int64
}

func (b Backoff) Delay(retry int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < retry && (b.Cap <= 0 || d < b.Cap); i++ {
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if q := int64(d / 4); q > 0 {
		jitter := b.jitter
		if jitter == nil {
			jitter = rand.Int64N
		}
		d += time.Duration(jitter(q))
	}
	return d
}
