// Package counter provides TTL-scoped pending counters used to bound
// admission. A counter key is bumped when a slot is taken and decremented
// when it is released; the window TTL is set only on the first bump so the
// window is a fixed wall-clock bucket.
package counter

import (
	"context"
	"time"
)

// Result reports the outcome of a Bump call.
type Result struct {
	// OK is true when the bump was admitted under the limit.
	OK bool
	// Pending is the counter value after the call (post-rollback on reject).
	Pending int64
	// Remaining is max - Pending, floored at zero.
	Remaining int64
	// RetryAfter hints when the window frees up. Zero when unknown or admitted.
	RetryAfter time.Duration
}

// Store is a key-value counter with per-key TTL and atomic bump/dec.
//
// Bump increments first and compares after: under concurrent bursts the
// stored value may transiently exceed max by at most the number of racing
// callers minus one, but every over-limit caller rolls its increment back,
// so the held count converges and never permanently over-admits.
type Store interface {
	Bump(ctx context.Context, key string, ttl time.Duration, max int64) (Result, error)
	Dec(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (int64, error)
}

func remaining(max, pending int64) int64 {
	if r := max - pending; r > 0 {
		return r
	}
	return 0
}
