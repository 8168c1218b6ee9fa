// Package bucket implements the hierarchical token-bucket bandwidth
// scheduler described in spec.md §4.1: a leaky/drip bucket with
// optional parent linkage, where removing tokens from a child only
// succeeds if the child and every ancestor can supply them atomically.
package bucket

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a drip-rate token bucket, optionally linked to a parent for
// hierarchical fair-share enforcement (spec §3: "remove_tokens(n)
// succeeds only if both child AND parent (and recursively) can supply
// n"). It is grounded on the corpus's flat middleware rate limiter
// (internal/gateway/middleware/ratelimit.go), generalized with parent
// linkage and atomic commit-or-rollback across levels.
type Bucket struct {
	limiter *rate.Limiter
	parent  *Bucket
}

// New creates a bucket with the given drip rate (bytes/sec) and max
// burst (bytes), optionally chained to a parent bucket.
func New(dripRate float64, maxBurst int, parent *Bucket) *Bucket {
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(dripRate), maxBurst),
		parent:  parent,
	}
}

// RemoveTokens attempts to withdraw n tokens from this bucket and, if a
// parent is set, from the parent too. The check is atomic across
// levels: if the child has tokens but the parent does not, the child's
// reservation is cancelled and neither bucket is modified. Resolves the
// Open Question in spec.md §9 by reserving (not committing) at each
// level before recursing, and cancelling on any later failure.
func (b *Bucket) RemoveTokens(n int) bool {
	if n <= 0 {
		return true
	}

	now := time.Now()
	r := b.limiter.ReserveN(now, n)
	if !r.OK() {
		// n exceeds burst capacity; it can never be satisfied.
		return false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return false
	}

	if b.parent != nil {
		if !b.parent.RemoveTokens(n) {
			r.CancelAt(now)
			return false
		}
	}

	return true
}

// SetRate updates the drip rate (bytes/sec); takes effect on the next
// refill, per spec §4.1.
func (b *Bucket) SetRate(dripRate float64) {
	b.limiter.SetLimit(rate.Limit(dripRate))
}

// SetBurst updates the max burst (bytes); takes effect on the next
// refill.
func (b *Bucket) SetBurst(maxBurst int) {
	b.limiter.SetBurst(maxBurst)
}

// Tokens reports the current level, clamped to [0, burst], for
// diagnostics and metrics.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(time.Now())
}

// Rate reports the configured drip rate (bytes/sec), used by
// get_throttles (spec §6).
func (b *Bucket) Rate() float64 {
	return float64(b.limiter.Limit())
}
