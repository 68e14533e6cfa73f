package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridianlabs/quotagate/internal/counter"
	"github.com/meridianlabs/quotagate/internal/idempotency"
	"github.com/meridianlabs/quotagate/internal/ledger"
	"github.com/meridianlabs/quotagate/internal/stream"
	"github.com/meridianlabs/quotagate/internal/telemetry"
)

// Watchdog repairs state no pipeline run will touch again: debits stuck
// PENDING because an executor never reported back, terminated event channels
// past their retention, expired dedup entries, and lapsed local counters.
type Watchdog struct {
	ledger  *ledger.Store
	dedup   *idempotency.Store
	hub     *stream.Hub
	local   *counter.MemoryStore
	logger  *slog.Logger
	metrics *telemetry.Metrics

	debitTimeout time.Duration
	retention    time.Duration

	cron *cron.Cron
}

func NewWatchdog(lg *ledger.Store, dedup *idempotency.Store, hub *stream.Hub,
	local *counter.MemoryStore, logger *slog.Logger, metrics *telemetry.Metrics,
	debitTimeout, retention time.Duration) *Watchdog {
	return &Watchdog{
		ledger:       lg,
		dedup:        dedup,
		hub:          hub,
		local:        local,
		logger:       logger,
		metrics:      metrics,
		debitTimeout: debitTimeout,
		retention:    retention,
	}
}

// Start schedules RunOnce on the given cron spec.
func (w *Watchdog) Start(spec string) error {
	w.cron = cron.New()
	_, err := w.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		w.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (w *Watchdog) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

// RunOnce performs one full sweep. Each repair is independent; a failure in
// one does not stop the others.
func (w *Watchdog) RunOnce(ctx context.Context) {
	w.compensateStaleDebits(ctx)

	if removed := w.hub.SweepRetired(w.retention); removed > 0 {
		w.logger.Info("retired terminated channels", "removed", removed)
	}
	if w.dedup != nil {
		if _, err := w.dedup.Sweep(ctx); err != nil {
			w.logger.Error("dedup sweep failed", "error", err)
		}
	}
	if w.local != nil {
		w.local.Sweep()
	}
}

func (w *Watchdog) compensateStaleDebits(ctx context.Context) {
	refunded, err := w.ledger.ExpireStaleDebits(ctx, w.debitTimeout)
	if err != nil {
		w.logger.Error("stale debit sweep failed", "refunded", refunded, "error", err)
	}
	if refunded > 0 {
		w.metrics.DebitsRefunded.Add(ctx, int64(refunded))
	}
}
