// Package dispatch runs the admission pipeline for inbound task messages:
// dedup, quota reservation, routing, guard admission, executor invocation,
// and settlement. Every task ends with exactly one terminal event on its
// channel; guard rejections and replays are resolved here and never surface
// as hard failures to the delivery system.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianlabs/quotagate/internal/guard"
	"github.com/meridianlabs/quotagate/internal/idempotency"
	"github.com/meridianlabs/quotagate/internal/ledger"
	"github.com/meridianlabs/quotagate/internal/route"
	"github.com/meridianlabs/quotagate/internal/shared"
	"github.com/meridianlabs/quotagate/internal/stream"
	"github.com/meridianlabs/quotagate/internal/telemetry"
)

// dedupStep names the pipeline step in the idempotency key derivation.
const dedupStep = "task_submit"

// Task is the inbound unit of work. It is not persisted here; the ledger and
// the event channel carry everything durable about it.
type Task struct {
	TaskID     string            `json:"task_id"`
	UserID     string            `json:"user_id"`
	ServiceID  string            `json:"service_id"`
	TemplateID string            `json:"template_id"`
	Kind       string            `json:"kind"` // "stream" or "batch"
	Variables  map[string]string `json:"variables,omitempty"`
	// HasAttachment marks a non-text input modality, which forces the
	// structured worker.
	HasAttachment bool `json:"has_attachment,omitempty"`
}

// Outcome is what a successful invocation produced.
type Outcome struct {
	Result       string
	InputTokens  int64
	OutputTokens int64
}

// Invoker is the external generation executor. It may publish intermediate
// token/status/debug events on ch but must not publish terminal events; the
// dispatcher owns the terminal.
type Invoker interface {
	Invoke(ctx context.Context, task Task, decision route.Decision, ch *stream.Channel) (Outcome, error)
}

// CodedError lets an Invoker report a stable user-visible error code and an
// optional retry hint. Anything else is reported as llm_error.
type CodedError struct {
	Code         string
	RetryAfterMs int64
	Err          error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *CodedError) Unwrap() error { return e.Err }

// Config carries the pipeline tunables.
type Config struct {
	// ReserveCost is debited per paid-tier task.
	ReserveCost int64
	// SignupBonus seeds accounts on first sight.
	SignupBonus int64
	// DedupTTL is the replay-suppression window.
	DedupTTL time.Duration
	// TaskTimeout bounds one invocation.
	TaskTimeout time.Duration
}

// Dispatcher wires the pipeline stages together.
type Dispatcher struct {
	cfg     Config
	ledger  *ledger.Store
	dedup   *idempotency.Store
	guard   *guard.Guard
	router  *route.Router
	hub     *stream.Hub
	invoker Invoker
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	wg sync.WaitGroup
}

func New(cfg Config, lg *ledger.Store, dedup *idempotency.Store, g *guard.Guard,
	router *route.Router, hub *stream.Hub, invoker Invoker,
	logger *slog.Logger, metrics *telemetry.Metrics, tracer trace.Tracer) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		ledger:  lg,
		dedup:   dedup,
		guard:   g,
		router:  router,
		hub:     hub,
		invoker: invoker,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Submit runs the pipeline for task on its own goroutine. The inbound HTTP
// handler acknowledges before the work happens; progress and outcome travel
// over the event channel only.
func (d *Dispatcher) Submit(task Task, requestID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := shared.WithRequestID(context.Background(), requestID)
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		if err := d.Handle(ctx, task); err != nil {
			d.logger.Error("dispatch failed", "task_id", task.TaskID, "error", err)
		}
	}()
}

// Drain waits for in-flight dispatches, up to the context deadline.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}

// Handle runs the full pipeline for one task message synchronously. The
// returned error reports internal trouble only; admission rejections and
// executor failures are absorbed into terminal events.
func (d *Dispatcher) Handle(ctx context.Context, task Task) error {
	started := time.Now()
	ctx = shared.WithTaskID(ctx, task.TaskID)
	ctx = shared.WithUserID(ctx, task.UserID)
	ctx = shared.WithServiceID(ctx, task.ServiceID)

	ctx, span := d.tracer.Start(ctx, "dispatch.handle", trace.WithAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("task.kind", task.Kind),
	))
	defer span.End()

	d.metrics.TasksReceived.Add(ctx, 1)

	// Replay suppression. A storage error here fails closed: dropping a
	// retry is recoverable, double-running a task is not.
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task for dedup: %w", err)
	}
	key, err := idempotency.Key(task.UserID, dedupStep, body)
	if err != nil {
		return fmt.Errorf("derive dedup key: %w", err)
	}
	first, err := d.dedup.Observe(ctx, key, task.UserID, dedupStep, d.cfg.DedupTTL)
	if err != nil || !first {
		d.metrics.ReplaysDropped.Add(ctx, 1)
		d.logger.Info("dropping replayed task",
			"task_id", task.TaskID, "user_id", task.UserID, "dedup_error", err)
		return nil
	}

	ch := d.hub.Channel(stream.ChannelKey(task.UserID, task.ServiceID, task.TaskID))
	d.publish(ctx, ch, stream.Event{
		Type:    stream.TypeStart,
		TaskID:  task.TaskID,
		Stage:   stream.StageAccepted,
		Payload: stream.StartPayload{Kind: task.Kind, TemplateID: task.TemplateID},
	})

	// Ledger outages before admission are reported at the guards stage so
	// the error event is terminal and readers stop waiting.
	if _, err := d.ledger.EnsureAccount(ctx, task.UserID, d.cfg.SignupBonus); err != nil {
		d.terminalError(ctx, ch, task, stream.StageGuards, "ledger_unavailable", 0)
		return fmt.Errorf("ensure account: %w", err)
	}

	// Reserve for the paid tier; an empty balance routes to the free tier
	// instead of failing the task.
	hasQuota := true
	res, err := d.ledger.Reserve(ctx, task.UserID, d.cfg.ReserveCost, task.TaskID, "task:"+task.TaskID)
	if errors.Is(err, ledger.ErrInsufficientQuota) {
		hasQuota = false
		d.metrics.ReserveFailures.Add(ctx, 1)
		res, err = d.ledger.Reserve(ctx, task.UserID, 0, task.TaskID, "")
	}
	if err != nil {
		d.terminalError(ctx, ch, task, stream.StageGuards, "ledger_unavailable", 0)
		return fmt.Errorf("reserve: %w", err)
	}

	decision := d.router.Route(task.TemplateID, hasQuota, route.Hints{
		Kind:          task.Kind,
		HasAttachment: task.HasAttachment,
	})
	span.SetAttributes(
		attribute.String("route.tier", string(decision.Tier)),
		attribute.String("route.resource", decision.ResourceID),
	)

	adm := d.guard.Enter(ctx, guard.Request{
		UserID:    task.UserID,
		ServiceID: task.ServiceID,
		TaskID:    task.TaskID,
		Kind:      task.Kind,
		QueueID:   decision.QueueID,
	})
	if !adm.OK {
		d.metrics.GuardRejects.Add(ctx, 1, telemetry.WithReason(string(adm.Reason)))
		d.compensateIfReserved(ctx, task, res)
		d.terminalError(ctx, ch, task, stream.StageGuards, string(adm.Reason), adm.RetryAfter.Milliseconds())
		span.SetStatus(codes.Ok, "rejected at guards")
		return nil
	}
	defer d.guard.Exit(ctx, adm)

	d.metrics.TasksAdmitted.Add(ctx, 1)
	d.metrics.ActiveDispatches.Add(ctx, 1)
	defer d.metrics.ActiveDispatches.Add(ctx, -1)
	defer func() {
		d.metrics.DispatchDuration.Record(ctx, time.Since(started).Seconds())
	}()

	invokeCtx := ctx
	if d.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()
	}

	outcome, err := d.invoker.Invoke(invokeCtx, task, decision, ch)
	if err != nil {
		d.compensateIfReserved(ctx, task, res)
		stage := invokeStage(decision.WorkerKind)
		code, retryAfter := classifyInvokeError(err)
		d.terminalError(ctx, ch, task, stage, code, retryAfter)
		span.SetStatus(codes.Error, code)
		return nil
	}

	if res.ID != "" {
		if err := d.ledger.Settle(ctx, res.ID, task.TaskID); err != nil {
			// The work is done and delivered; a failed settle is repaired
			// by the watchdog, not by failing the task.
			d.logger.Error("settle failed, debit left pending",
				"task_id", task.TaskID, "debit_id", res.ID, "error", err)
		} else {
			d.metrics.DebitsSettled.Add(ctx, 1)
		}
	}

	d.publish(ctx, ch, stream.Event{
		Type:   stream.TypeDone,
		TaskID: task.TaskID,
		Stage:  stream.StageSettlement,
		Payload: stream.DonePayload{
			Result:       outcome.Result,
			InputTokens:  outcome.InputTokens,
			OutputTokens: outcome.OutputTokens,
		},
	})
	span.SetStatus(codes.Ok, "done")
	return nil
}

func (d *Dispatcher) compensateIfReserved(ctx context.Context, task Task, res ledger.Reservation) {
	if res.ID == "" {
		return
	}
	// Refund what the debit actually recorded: a replayed reservation may
	// predate the current reserve_cost setting.
	if _, err := d.ledger.Compensate(ctx, task.UserID, res.Amount, res.ID, task.TaskID); err != nil {
		d.logger.Error("compensation failed",
			"task_id", task.TaskID, "debit_id", res.ID, "error", err)
		return
	}
	d.metrics.DebitsRefunded.Add(ctx, 1)
}

func (d *Dispatcher) terminalError(ctx context.Context, ch *stream.Channel, task Task, stage stream.Stage, code string, retryAfterMs int64) {
	d.publish(ctx, ch, stream.Event{
		Type:   stream.TypeError,
		TaskID: task.TaskID,
		Stage:  stage,
		Payload: stream.ErrorPayload{
			Code:         code,
			RetryAfterMs: retryAfterMs,
		},
	})
}

func (d *Dispatcher) publish(ctx context.Context, ch *stream.Channel, ev stream.Event) {
	ev.RequestID = shared.RequestID(ctx)
	ev.TraceID = shared.TraceID(ctx)
	ch.Publish(ev)
	d.metrics.EventsPublished.Add(ctx, 1)
}

func invokeStage(kind route.WorkerKind) stream.Stage {
	if kind == route.WorkerStream {
		return stream.StageInvokeOrStream
	}
	return stream.StageInvoke
}

func classifyInvokeError(err error) (code string, retryAfterMs int64) {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.RetryAfterMs
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", 0
	}
	return "llm_error", 0
}
