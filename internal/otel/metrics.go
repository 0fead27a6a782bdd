package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments.
type Metrics struct {
	TaskDuration          metric.Float64Histogram
	TaskSubmissions       metric.Int64Counter
	SandboxCreateDuration metric.Float64Histogram
	SandboxDestroyDuration metric.Float64Histogram
	ConcurrencyQueueDepth metric.Int64UpDownCounter
	ConcurrencyRunning    metric.Int64UpDownCounter
	HITLWaitDuration      metric.Float64Histogram
	PubSubReconnects      metric.Int64Counter
	PubSubOutboxSize      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("chaperone.task.duration",
		metric.WithDescription("Task wall-clock duration from submit to terminal status, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskSubmissions, err = meter.Int64Counter("chaperone.task.submissions",
		metric.WithDescription("Total tasks submitted"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxCreateDuration, err = meter.Float64Histogram("chaperone.sandbox.create.duration",
		metric.WithDescription("Sandbox container creation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxDestroyDuration, err = meter.Float64Histogram("chaperone.sandbox.destroy.duration",
		metric.WithDescription("Sandbox container teardown duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ConcurrencyQueueDepth, err = meter.Int64UpDownCounter("chaperone.concurrency.queue_depth",
		metric.WithDescription("Number of tasks waiting for an admission slot"),
	)
	if err != nil {
		return nil, err
	}

	m.ConcurrencyRunning, err = meter.Int64UpDownCounter("chaperone.concurrency.running",
		metric.WithDescription("Number of tasks currently holding an admission slot"),
	)
	if err != nil {
		return nil, err
	}

	m.HITLWaitDuration, err = meter.Float64Histogram("chaperone.hitl.wait.duration",
		metric.WithDescription("Time a task spent waiting for a human answer, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PubSubReconnects, err = meter.Int64Counter("chaperone.pubsub.reconnects",
		metric.WithDescription("Total pub/sub reconnection attempts that succeeded"),
	)
	if err != nil {
		return nil, err
	}

	m.PubSubOutboxSize, err = meter.Int64UpDownCounter("chaperone.pubsub.outbox_size",
		metric.WithDescription("Number of publishes currently buffered while disconnected"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
