package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WithReason tags a metric point with the rejection reason code.
func WithReason(reason string) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}

// Metrics holds all QuotaGate metric instruments.
type Metrics struct {
	TasksReceived    metric.Int64Counter
	TasksAdmitted    metric.Int64Counter
	GuardRejects     metric.Int64Counter
	ReplaysDropped   metric.Int64Counter
	ReserveFailures  metric.Int64Counter
	DebitsSettled    metric.Int64Counter
	DebitsRefunded   metric.Int64Counter
	EventsPublished  metric.Int64Counter
	ActiveDispatches metric.Int64UpDownCounter
	DispatchDuration metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksReceived, err = meter.Int64Counter("quotagate.tasks.received",
		metric.WithDescription("Inbound task messages accepted by the gateway"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAdmitted, err = meter.Int64Counter("quotagate.tasks.admitted",
		metric.WithDescription("Tasks that passed all concurrency guards"),
	)
	if err != nil {
		return nil, err
	}

	m.GuardRejects, err = meter.Int64Counter("quotagate.guard.rejects",
		metric.WithDescription("Guard rejections by reason code"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplaysDropped, err = meter.Int64Counter("quotagate.idempotency.replays",
		metric.WithDescription("Duplicate task messages dropped by the idempotency store"),
	)
	if err != nil {
		return nil, err
	}

	m.ReserveFailures, err = meter.Int64Counter("quotagate.ledger.reserve_failures",
		metric.WithDescription("Reservations rejected for insufficient quota"),
	)
	if err != nil {
		return nil, err
	}

	m.DebitsSettled, err = meter.Int64Counter("quotagate.ledger.settled",
		metric.WithDescription("Debits settled after successful task completion"),
	)
	if err != nil {
		return nil, err
	}

	m.DebitsRefunded, err = meter.Int64Counter("quotagate.ledger.refunded",
		metric.WithDescription("Debits compensated after task failure"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("quotagate.stream.events",
		metric.WithDescription("Events published to task channels"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDispatches, err = meter.Int64UpDownCounter("quotagate.dispatch.active",
		metric.WithDescription("Number of in-flight dispatch pipelines"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("quotagate.dispatch.duration",
		metric.WithDescription("Dispatch pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("quotagate.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the gateway rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
