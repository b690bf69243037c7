package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the dispatcher's metric instruments.
type Metrics struct {
	MessagesConsumed  metric.Int64Counter
	DuplicatesDropped metric.Int64Counter
	StaleDropped      metric.Int64Counter
	RetriesScheduled  metric.Int64Counter
	DeadLetters       metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	SandboxDuration   metric.Float64Histogram
	SandboxAttempts   metric.Int64Histogram
	SessionBlobBytes  metric.Int64Histogram
	ActiveHandlers    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesConsumed, err = meter.Int64Counter("godispatch.queue.consumed",
		metric.WithDescription("Queue messages handled"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicatesDropped, err = meter.Int64Counter("godispatch.queue.duplicates",
		metric.WithDescription("Messages dropped by the dedup ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleDropped, err = meter.Int64Counter("godispatch.queue.stale",
		metric.WithDescription("Messages dropped by state-machine precondition"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesScheduled, err = meter.Int64Counter("godispatch.task.retries",
		metric.WithDescription("Internal retry messages scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("godispatch.queue.dead_letters",
		metric.WithDescription("Messages moved to the dead-letter table"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("godispatch.task.completed",
		metric.WithDescription("Tasks reaching a successful terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("godispatch.task.failed",
		metric.WithDescription("Tasks reaching terminal error"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxDuration, err = meter.Float64Histogram("godispatch.sandbox.duration",
		metric.WithDescription("Sandbox round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxAttempts, err = meter.Int64Histogram("godispatch.sandbox.attempts",
		metric.WithDescription("Attempts needed per sandbox execution"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionBlobBytes, err = meter.Int64Histogram("godispatch.session.blob_bytes",
		metric.WithDescription("Encoded session blob size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveHandlers, err = meter.Int64UpDownCounter("godispatch.dispatch.active",
		metric.WithDescription("Message handlers currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
