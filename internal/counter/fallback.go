package counter

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Fallback prefers the primary store and degrades to an in-process store when
// the primary is unreachable. The degraded mode keeps the same bump/dec
// semantics with process-local scope, so admission stays soft rather than
// failing hard when the cache is down. Callers never see a primary error.
type Fallback struct {
	primary Store
	local   *MemoryStore
	logger  *slog.Logger

	degraded atomic.Bool
}

var _ Store = (*Fallback)(nil)

// NewFallback wraps primary with a process-local degraded mode.
func NewFallback(primary Store, logger *slog.Logger) *Fallback {
	return &Fallback{
		primary: primary,
		local:   NewMemoryStore(),
		logger:  logger,
	}
}

// Bump implements Store.
func (f *Fallback) Bump(ctx context.Context, key string, ttl time.Duration, max int64) (Result, error) {
	res, err := f.primary.Bump(ctx, key, ttl, max)
	if err == nil {
		f.noteRecovered()
		return res, nil
	}
	f.noteDegraded("bump", key, err)
	return f.local.Bump(ctx, key, ttl, max)
}

// Dec implements Store. Both stores are decremented on degraded paths: the
// slot may have been taken from either scope and a spurious dec on an absent
// key is a no-op.
func (f *Fallback) Dec(ctx context.Context, key string) error {
	err := f.primary.Dec(ctx, key)
	if err != nil {
		f.noteDegraded("dec", key, err)
	} else {
		f.noteRecovered()
	}
	_ = f.local.Dec(ctx, key)
	return nil
}

// Get implements Store.
func (f *Fallback) Get(ctx context.Context, key string) (int64, error) {
	n, err := f.primary.Get(ctx, key)
	if err == nil {
		return n, nil
	}
	f.noteDegraded("get", key, err)
	return f.local.Get(ctx, key)
}

// Degraded reports whether the last primary call failed.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

func (f *Fallback) noteDegraded(op, key string, err error) {
	if f.degraded.CompareAndSwap(false, true) && f.logger != nil {
		f.logger.Warn("counter store degraded to process-local mode",
			"op", op, "key", key, "error", err)
	}
}

func (f *Fallback) noteRecovered() {
	if f.degraded.CompareAndSwap(true, false) && f.logger != nil {
		f.logger.Info("counter store recovered, using primary backend")
	}
}
