package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/quotagate/internal/counter"
	"github.com/meridianlabs/quotagate/internal/idempotency"
	"github.com/meridianlabs/quotagate/internal/ledger"
	"github.com/meridianlabs/quotagate/internal/stream"
	"github.com/meridianlabs/quotagate/internal/telemetry"
)

func newWatchdog(t *testing.T, ls *ledger.Store, hub *stream.Hub) *Watchdog {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	dedup, err := idempotency.New(ls.DB(), logger)
	require.NoError(t, err)
	metrics, err := telemetry.NewMetrics(metricnoop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return NewWatchdog(ls, dedup, hub, counter.NewMemoryStore(), logger, metrics,
		30*time.Minute, time.Hour)
}

func TestWatchdog_CompensatesStaleDebits(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ls, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	ctx := context.Background()
	_, err = ls.EnsureAccount(ctx, "u1", 50)
	require.NoError(t, err)

	stale, err := ls.Reserve(ctx, "u1", 10, "task-stuck", "")
	require.NoError(t, err)
	fresh, err := ls.Reserve(ctx, "u1", 10, "task-live", "")
	require.NoError(t, err)

	_, err = ls.DB().ExecContext(ctx, `
		UPDATE ledger_txns SET created_at = datetime('now', '-2 hours') WHERE id = ?;
	`, stale.ID)
	require.NoError(t, err)

	w := newWatchdog(t, ls, stream.NewHub())
	w.RunOnce(ctx)

	staleTxn, err := ls.Transaction(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompensated, staleTxn.Status)

	freshTxn, err := ls.Transaction(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, freshTxn.Status, "recent debit untouched")

	balance, err := ls.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance, "stale reservation refunded")

	// A second sweep finds nothing to repair.
	w.RunOnce(ctx)
	balance, err = ls.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
}

func TestWatchdog_RetiresTerminatedChannels(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ls, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	hub := stream.NewHub()
	now := time.Now()
	hub.SetNow(func() time.Time { return now })

	done := hub.Channel("done")
	done.Publish(stream.Event{Type: stream.TypeDone, TaskID: "t1", Payload: stream.DonePayload{}})
	live := hub.Channel("live")

	w := newWatchdog(t, ls, hub)
	now = now.Add(2 * time.Hour)
	live.Publish(stream.Event{Type: stream.TypeToken, TaskID: "t2", Payload: stream.TokenPayload{Text: "x"}})
	w.RunOnce(context.Background())

	assert.Equal(t, 1, hub.Len())
	_, ok := hub.Lookup("live")
	assert.True(t, ok)
}

func TestWatchdog_StartStop(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ls, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	w := newWatchdog(t, ls, stream.NewHub())
	require.NoError(t, w.Start("*/5 * * * *"))
	w.Stop()

	assert.Error(t, w.Start("not a cron spec"))
}
