package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per client key. Buckets idle past
// staleAfter are evicted on the next pass so unique keys cannot grow the map
// without bound.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	rps     rate.Limit
	burst   int

	lastEvict  time.Time
	staleAfter time.Duration
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 30
	}
	return &rateLimiter{
		buckets:    make(map[string]*clientBucket),
		rps:        rate.Limit(rps),
		burst:      burst,
		lastEvict:  time.Now(),
		staleAfter: 10 * time.Minute,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastEvict) > rl.staleAfter {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rl.staleAfter {
				delete(rl.buckets, k)
			}
		}
		rl.lastEvict = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

func (rl *rateLimiter) bucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
