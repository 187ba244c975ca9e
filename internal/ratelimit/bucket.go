// Package ratelimit implements the global byte-rate limiter every fetch
// worker draws from before writing another chunk to disk.
package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket over bytes-per-second, shared by every active
// segment across every task. A rate of zero disables limiting entirely.
type Bucket struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// New creates a bucket. ratePerSec of 0 starts it disabled.
func New(ratePerSec int64) *Bucket {
	b := &Bucket{limiter: rate.NewLimiter(rate.Inf, 0)}
	b.SetRate(ratePerSec)
	return b
}

// SetRate reconfigures the limit. A value <= 0 disables limiting (consume
// becomes a no-op); otherwise burst is set to twice the rate, matching the
// token bucket's two-second absorption window.
func (b *Bucket) SetRate(ratePerSec int64) {
	if ratePerSec <= 0 {
		b.enabled.Store(false)
		b.limiter.SetLimit(rate.Inf)
		b.limiter.SetBurst(0)
		return
	}
	b.enabled.Store(true)
	burst := ratePerSec * 2
	if burst > int64(^uint(0)>>1) {
		burst = int64(^uint(0) >> 1)
	}
	b.limiter.SetBurst(int(burst))
	b.limiter.SetLimit(rate.Limit(ratePerSec))
}

// Enabled reports whether a nonzero rate is currently configured.
func (b *Bucket) Enabled() bool { return b.enabled.Load() }

// Consume blocks until n bytes of budget are available, or ctx is
// cancelled. It is a no-op when the limiter is disabled.
func (b *Bucket) Consume(ctx context.Context, n int) error {
	if !b.enabled.Load() || n <= 0 {
		return nil
	}
	// WaitN rejects requests larger than burst, so split them into
	// burst-sized waits here; a caller never needs to split a read buffer.
	burst := b.limiter.Burst()
	if burst > 0 && n > burst {
		remaining := n
		for remaining > 0 {
			chunk := remaining
			if chunk > burst {
				chunk = burst
			}
			if err := b.limiter.WaitN(ctx, chunk); err != nil {
				return err
			}
			remaining -= chunk
		}
		return nil
	}
	return b.limiter.WaitN(ctx, n)
}
