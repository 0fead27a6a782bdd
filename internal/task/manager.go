package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/chaperone/internal/audit"
	"github.com/basket/chaperone/internal/concurrency"
	"github.com/basket/chaperone/internal/pubsub"

	"go.opentelemetry.io/otel/metric"
)

// store is the subset of the pub/sub client's keyed-store surface the
// manager needs. Defined as an interface so tests can substitute a fake
// without a live Redis connection.
type store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

func taskKey(id string) string       { return "task:" + id }
func idempotencyKey(k string) string { return "idempotency:" + k }

// SubmitResult reports whether a submitted task began running immediately
// or was queued because the controller was at capacity.
type SubmitResult struct {
	TaskID string
	Queued bool
}

// Manager owns Task persistence and lifecycle transitions, gating admission
// through a Controller keyed by Task.
type Manager struct {
	store       store
	concurrency *concurrency.Controller[Task]
	logger      *slog.Logger

	submissions  metric.Int64Counter
	queueDepth   metric.Int64UpDownCounter
	runningGauge metric.Int64UpDownCounter
}

// New constructs a Manager. concurrencyController may be nil, in which case
// tasks always transition straight to starting with no admission limit.
func New(s store, concurrencyController *concurrency.Controller[Task], logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, concurrency: concurrencyController, logger: logger}
}

// SetMetrics wires the given instruments into the manager. Metrics are
// recorded best-effort; a nil instrument is silently skipped, so callers
// that never set metrics pay no cost beyond the nil check.
func (m *Manager) SetMetrics(submissions metric.Int64Counter, queueDepth, runningGauge metric.Int64UpDownCounter) {
	m.submissions = submissions
	m.queueDepth = queueDepth
	m.runningGauge = runningGauge
}

// Submit registers task (or recovers an existing task id sharing the same
// idempotency key), admits it against the concurrency controller, and
// returns the effective task id.
func (m *Manager) Submit(ctx context.Context, t Task) (string, error) {
	result, err := m.SubmitWithResult(ctx, t)
	if err != nil {
		return "", err
	}
	return result.TaskID, nil
}

// SubmitWithResult behaves like Submit but additionally reports whether the
// task was queued rather than started immediately.
func (m *Manager) SubmitWithResult(ctx context.Context, t Task) (SubmitResult, error) {
	m.logger.Info("task submitting", "task_id", t.ID, "idempotency_key", t.IdempotencyKey)

	existingID, err := m.store.Get(ctx, idempotencyKey(t.IdempotencyKey))
	if err == nil {
		m.logger.Info("task idempotent resubmit", "idempotency_key", t.IdempotencyKey, "task_id", existingID)
		return SubmitResult{TaskID: existingID, Queued: false}, nil
	}
	if !errors.Is(err, pubsub.ErrMissingKey) {
		return SubmitResult{}, fmt.Errorf("task: submit: check idempotency key: %w", err)
	}

	if err := m.store.Set(ctx, idempotencyKey(t.IdempotencyKey), t.ID, 0); err != nil {
		return SubmitResult{}, fmt.Errorf("task: submit: record idempotency key: %w", err)
	}
	if err := m.persist(ctx, t); err != nil {
		return SubmitResult{}, fmt.Errorf("task: submit: persist: %w", err)
	}
	m.logger.Info("task registered", "task_id", t.ID, "status", t.Status)
	audit.Record("submitted", "task_registered", t.IdempotencyKey, t.ID)
	if m.submissions != nil {
		m.submissions.Add(ctx, 1)
	}

	if m.concurrency != nil {
		if !m.concurrency.Acquire() {
			m.concurrency.Enqueue(t)
			m.logger.Info("task queued at capacity", "task_id", t.ID, "queue_size", m.concurrency.QueueSize())
			audit.Record("queued", "concurrency_limit_reached", "", t.ID)
			if m.queueDepth != nil {
				m.queueDepth.Add(ctx, 1)
			}
			return SubmitResult{TaskID: t.ID, Queued: true}, nil
		}
		if m.runningGauge != nil {
			m.runningGauge.Add(ctx, 1)
		}
	}

	t.Status = StatusStarting
	if err := m.persist(ctx, t); err != nil {
		return SubmitResult{}, fmt.Errorf("task: submit: persist starting: %w", err)
	}
	m.logger.Info("task status transitioned", "task_id", t.ID, "status", t.Status)
	audit.Record("starting", "task_started", "", t.ID)

	return SubmitResult{TaskID: t.ID, Queued: false}, nil
}

// OnTaskComplete releases the concurrency slot the task held and, if a
// queued task is waiting, starts it and returns it.
func (m *Manager) OnTaskComplete(ctx context.Context, taskID string) (*Task, error) {
	m.logger.Info("task completed", "task_id", taskID)

	if m.concurrency == nil {
		return nil, nil
	}

	next, ok := m.concurrency.Release()
	if m.runningGauge != nil {
		m.runningGauge.Add(ctx, -1)
	}
	if !ok {
		return nil, nil
	}
	if m.queueDepth != nil {
		m.queueDepth.Add(ctx, -1)
	}
	if m.runningGauge != nil {
		m.runningGauge.Add(ctx, 1)
	}

	next.Status = StatusStarting
	if err := m.persist(ctx, next); err != nil {
		return nil, fmt.Errorf("task: on_task_complete: persist dequeued task: %w", err)
	}
	m.logger.Info("queued task started", "task_id", next.ID)
	audit.Record("starting", "queued_task_dequeued", "", next.ID)
	return &next, nil
}

// GetStatus returns a task's current status, or ErrNotFound if no task with
// that id has been persisted.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (Status, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Cancel transitions a task to cancelled. It returns false without error
// when the task does not exist or is already in a terminal state.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, err := m.load(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Warn("cannot cancel: task not found", "task_id", taskID)
			return false, nil
		}
		return false, err
	}

	if t.Status.IsTerminal() {
		m.logger.Warn("cannot cancel: task in terminal state", "task_id", taskID, "status", t.Status)
		return false, nil
	}

	t.Status = StatusCancelled
	if err := m.persist(ctx, t); err != nil {
		return false, fmt.Errorf("task: cancel: persist: %w", err)
	}
	m.logger.Info("task cancelled", "task_id", taskID)
	audit.Record("cancelled", "task_cancelled_by_request", "", taskID)
	return true, nil
}

func (m *Manager) persist(ctx context.Context, t Task) error {
	raw, err := marshalTask(t)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, taskKey(t.ID), raw, 0)
}

func (m *Manager) load(ctx context.Context, taskID string) (Task, error) {
	raw, err := m.store.Get(ctx, taskKey(taskID))
	if errors.Is(err, pubsub.ErrMissingKey) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("task: load %s: %w", taskID, err)
	}
	return unmarshalTask(raw)
}

// Load returns the persisted task for taskID, or ErrNotFound. Exposed for
// components (the question handler, intake routing) that need the full Task
// record rather than just its status.
func (m *Manager) Load(ctx context.Context, taskID string) (Task, error) {
	return m.load(ctx, taskID)
}

// Persist writes t's current state back to the store. Exposed for
// components that mutate a Task's status outside the Manager's own
// transitions (the question handler moving a task to waiting_user/running).
func (m *Manager) Persist(ctx context.Context, t Task) error {
	return m.persist(ctx, t)
}
