// Package guard gates task admission behind layered concurrency limits. Each
// layer is one TTL counter: a per-user lock, a duplicate-task lock, a shared
// backpressure counter, and a per-resource counter. Enter acquires the layers
// in that order and releases everything it took on rejection, so a rejected
// request leaves no slot behind. Exit must be deferred by the caller and
// releases in reverse acquisition order.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meridianlabs/quotagate/internal/counter"
)

// Reason identifies which layer rejected an admission.
type Reason string

const (
	// ReasonUserConcurrency: the user already has a task of this kind running.
	ReasonUserConcurrency Reason = "user_concurrency"
	// ReasonConcurrencyLocked: this exact task id is already being processed.
	ReasonConcurrencyLocked Reason = "concurrency_locked"
	// ReasonBackpressure: the user/service queue is full.
	ReasonBackpressure Reason = "backpressure"
	// ReasonModelConcurrency: the target resource is at capacity.
	ReasonModelConcurrency Reason = "model_concurrency"
	// ReasonGuardsFailed: a layer could not produce a distinguishing signal.
	ReasonGuardsFailed Reason = "guards_failed"
)

// Limits bounds each guard layer. A zero Max disables that layer's bound.
// TTLs cap how long an orphaned slot can linger if a release is lost.
type Limits struct {
	UserTTL  time.Duration `yaml:"user_ttl"`
	TaskTTL  time.Duration `yaml:"task_ttl"`
	QueueMax int64         `yaml:"queue_max"`
	QueueTTL time.Duration `yaml:"queue_ttl"`
	ModelMax int64         `yaml:"model_max"`
	ModelTTL time.Duration `yaml:"model_ttl"`
}

// DefaultLimits are applied where the configuration leaves fields zero.
var DefaultLimits = Limits{
	UserTTL:  5 * time.Minute,
	TaskTTL:  5 * time.Minute,
	QueueMax: 32,
	QueueTTL: 5 * time.Minute,
	ModelMax: 8,
	ModelTTL: 5 * time.Minute,
}

func (l Limits) withDefaults() Limits {
	if l.UserTTL <= 0 {
		l.UserTTL = DefaultLimits.UserTTL
	}
	if l.TaskTTL <= 0 {
		l.TaskTTL = DefaultLimits.TaskTTL
	}
	if l.QueueMax <= 0 {
		l.QueueMax = DefaultLimits.QueueMax
	}
	if l.QueueTTL <= 0 {
		l.QueueTTL = DefaultLimits.QueueTTL
	}
	if l.ModelMax <= 0 {
		l.ModelMax = DefaultLimits.ModelMax
	}
	if l.ModelTTL <= 0 {
		l.ModelTTL = DefaultLimits.ModelTTL
	}
	return l
}

// Request identifies the admission being attempted.
type Request struct {
	UserID    string
	ServiceID string
	TaskID    string
	// Kind scopes the user lock so a stream task and a batch task from the
	// same user do not contend.
	Kind string
	// QueueID names the resource queue from the routing decision.
	QueueID string
}

type slot struct {
	key string
}

// Admission is the outcome of Enter. When OK is false, Reason says which
// layer rejected and RetryAfter (if nonzero) hints when to retry.
type Admission struct {
	OK         bool
	Reason     Reason
	RetryAfter time.Duration

	held []slot
}

// Guard composes the admission layers over one counter store.
type Guard struct {
	store  counter.Store
	limits atomic.Pointer[Limits]
	logger *slog.Logger
}

// New creates a Guard. Zero fields in limits fall back to DefaultLimits.
func New(store counter.Store, limits Limits, logger *slog.Logger) *Guard {
	g := &Guard{store: store, logger: logger}
	g.SetLimits(limits)
	return g
}

// SetLimits swaps the active limits. Safe to call while admissions run;
// in-flight admissions finish under the limits they started with.
func (g *Guard) SetLimits(limits Limits) {
	l := limits.withDefaults()
	g.limits.Store(&l)
}

// Limits returns the active limits.
func (g *Guard) Limits() Limits {
	return *g.limits.Load()
}

type layer struct {
	key    string
	ttl    time.Duration
	max    int64
	reason Reason
}

// Enter attempts to take one slot in every layer. On any rejection or store
// error the slots already taken are released before returning, so the caller
// only ever holds a full admission or nothing.
func (g *Guard) Enter(ctx context.Context, req Request) Admission {
	limits := *g.limits.Load()
	layers := []layer{
		{fmt.Sprintf("user:%s:%s", req.UserID, req.Kind), limits.UserTTL, 1, ReasonUserConcurrency},
		{fmt.Sprintf("task:%s", req.TaskID), limits.TaskTTL, 1, ReasonConcurrencyLocked},
		{fmt.Sprintf("queue:%s:%s", req.UserID, req.ServiceID), limits.QueueTTL, limits.QueueMax, ReasonBackpressure},
		{fmt.Sprintf("model:%s", req.QueueID), limits.ModelTTL, limits.ModelMax, ReasonModelConcurrency},
	}

	var held []slot
	for _, l := range layers {
		res, err := g.store.Bump(ctx, l.key, l.ttl, l.max)
		if err != nil {
			g.release(ctx, held)
			g.logger.Warn("guard layer unavailable",
				"key", l.key, "task_id", req.TaskID, "error", err)
			return Admission{OK: false, Reason: ReasonGuardsFailed}
		}
		if !res.OK {
			g.release(ctx, held)
			g.logger.Info("admission rejected",
				"reason", l.reason, "key", l.key, "task_id", req.TaskID,
				"pending", res.Pending, "retry_after", res.RetryAfter)
			return Admission{OK: false, Reason: l.reason, RetryAfter: res.RetryAfter}
		}
		held = append(held, slot{key: l.key})
	}
	return Admission{OK: true, held: held}
}

// Exit releases every slot the admission holds, in reverse order. It is a
// no-op for rejected admissions and is safe to call exactly once per Enter.
func (g *Guard) Exit(ctx context.Context, adm Admission) {
	g.release(ctx, adm.held)
}

func (g *Guard) release(ctx context.Context, held []slot) {
	for i := len(held) - 1; i >= 0; i-- {
		if err := g.store.Dec(ctx, held[i].key); err != nil {
			// The slot's TTL bounds the damage of a lost release.
			g.logger.Warn("guard release failed", "key", held[i].key, "error", err)
		}
	}
}
