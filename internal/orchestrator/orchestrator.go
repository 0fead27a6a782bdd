// Package orchestrator drives one task through its full lifecycle: create a
// sandbox, listen for its questions and progress in the background, poll it
// to completion, then release its concurrency slot, start the next queued
// task if one is waiting, and post the result back to chat.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/chaperone/internal/sandbox"
	"github.com/basket/chaperone/internal/task"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultCPU          = 1.0
	defaultMemoryGB     = 2.0
	defaultPollInterval = 2 * time.Second
	runResultMaxLength  = 8000
)

// sandboxes is the Sandbox Manager surface the runner needs.
type sandboxes interface {
	Create(ctx context.Context, taskID string, cfg sandbox.Config) (*sandbox.Sandbox, error)
	Destroy(ctx context.Context, taskID string)
	GetStatus(ctx context.Context, taskID string) sandbox.Status
	Logs(ctx context.Context, taskID string) (string, error)
}

// tasks is the Task Manager surface the runner needs.
type tasks interface {
	Load(ctx context.Context, taskID string) (task.Task, error)
	Persist(ctx context.Context, t task.Task) error
	OnTaskComplete(ctx context.Context, taskID string) (*task.Task, error)
}

// questionListener is the Question Handler surface the runner needs.
type questionListener interface {
	ListenForQuestions(ctx context.Context, taskID string) error
}

// progressReporter is the Progress Notifier surface the runner needs.
type progressReporter interface {
	Notify(ctx context.Context, taskID string, status task.Status, step, total int)
	StartListening(ctx context.Context, taskID, channelID, messageID string) error
}

// messenger is the chat-platform surface the runner needs to anchor and
// post final results.
type messenger interface {
	SendTrackedMessage(ctx context.Context, channel, text, threadID string) (string, error)
	SendResult(ctx context.Context, channel, taskID, content, threadID string) error
}

// Runner launches tasks and drives each to a terminal state.
type Runner struct {
	sandboxes    sandboxes
	tasks        tasks
	questions    questionListener
	progress     progressReporter
	chat         messenger
	credential   string
	pollInterval time.Duration
	logger       *slog.Logger

	sandboxCreate  metric.Float64Histogram
	sandboxDestroy metric.Float64Histogram
	taskDuration   metric.Float64Histogram

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Runner. credential is the repository credential token
// attached to every sandbox's clone step; it may be empty for public repos.
func New(sb sandboxes, tm tasks, questions questionListener, progress progressReporter, chat messenger, credential string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sandboxes:    sb,
		tasks:        tm,
		questions:    questions,
		progress:     progress,
		chat:         chat,
		credential:   credential,
		pollInterval: defaultPollInterval,
		logger:       logger,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// SetMetrics wires the given instruments into the runner. A nil instrument
// is silently skipped.
func (r *Runner) SetMetrics(sandboxCreate, sandboxDestroy, taskDuration metric.Float64Histogram) {
	r.sandboxCreate = sandboxCreate
	r.sandboxDestroy = sandboxDestroy
	r.taskDuration = taskDuration
}

// Launch starts t running in the background and returns immediately. The
// caller (intake, or Launch itself when a queued task is dequeued) has
// already persisted t with a non-terminal status.
func (r *Runner) Launch(parent context.Context, t task.Task) {
	go r.run(parent, t)
}

func (r *Runner) run(parent context.Context, t task.Task) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancels[t.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, t.ID)
		r.mu.Unlock()
		cancel()
	}()

	started := time.Now()

	messageID, err := r.chat.SendTrackedMessage(ctx, t.Channel, "起動中... (1/4)", t.Thread)
	if err != nil {
		r.logger.Error("orchestrator: progress anchor post failed", "task_id", t.ID, "error", err)
	} else {
		go r.progress.StartListening(ctx, t.ID, t.Channel, messageID)
	}
	go r.questions.ListenForQuestions(ctx, t.ID)

	r.progress.Notify(ctx, t.ID, task.StatusStarting, 1, 4)

	createStart := time.Now()
	_, err = r.sandboxes.Create(ctx, t.ID, sandbox.Config{
		CPU:             defaultCPU,
		MemoryGB:        defaultMemoryGB,
		RepositoryURL:   t.RepositoryURL,
		CredentialToken: r.credential,
		Prompt:          t.Prompt,
	})
	r.observe(r.sandboxCreate, time.Since(createStart))
	if err != nil {
		r.logger.Error("orchestrator: sandbox create failed", "task_id", t.ID, "error", err)
		r.finish(ctx, t, task.StatusFailed, fmt.Sprintf("Failed to start sandbox: %v", err), started)
		return
	}

	r.progress.Notify(ctx, t.ID, task.StatusCloning, 2, 4)
	t.Status = task.StatusCloning
	if err := r.tasks.Persist(ctx, t); err != nil {
		r.logger.Error("orchestrator: persist cloning failed", "task_id", t.ID, "error", err)
	}

	r.progress.Notify(ctx, t.ID, task.StatusRunning, 3, 4)
	t.Status = task.StatusRunning
	if err := r.tasks.Persist(ctx, t); err != nil {
		r.logger.Error("orchestrator: persist running failed", "task_id", t.ID, "error", err)
	}

	finalStatus := r.awaitCompletion(ctx, t.ID)

	logs, logErr := r.sandboxes.Logs(context.WithoutCancel(ctx), t.ID)
	if logErr != nil {
		r.logger.Warn("orchestrator: sandbox log capture failed", "task_id", t.ID, "error", logErr)
	}

	destroyStart := time.Now()
	r.sandboxes.Destroy(context.WithoutCancel(ctx), t.ID)
	r.observe(r.sandboxDestroy, time.Since(destroyStart))

	result := logs
	if result == "" {
		result = "Task completed."
		if finalStatus == task.StatusFailed {
			result = "Task failed; see sandbox logs."
		}
	}
	r.finish(ctx, t, finalStatus, result, started)
}

// awaitCompletion polls the sandbox until it reports a terminal status or
// ctx is cancelled. The Sandbox Manager exposes no completion event, so
// polling is the only option available to the Runner.
func (r *Runner) awaitCompletion(ctx context.Context, taskID string) task.Status {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return task.StatusCancelled
		case <-ticker.C:
			switch r.sandboxes.GetStatus(ctx, taskID) {
			case sandbox.StatusTerminated:
				return task.StatusCompleted
			case sandbox.StatusFailed:
				return task.StatusFailed
			}
		}
	}
}

func (r *Runner) finish(ctx context.Context, t task.Task, status task.Status, result string, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	t.Status = status
	if err := r.tasks.Persist(ctx, t); err != nil {
		r.logger.Error("orchestrator: persist terminal status failed", "task_id", t.ID, "error", err)
	}
	r.progress.Notify(ctx, t.ID, status, 4, 4)
	r.observe(r.taskDuration, time.Since(started))

	if len(result) > runResultMaxLength {
		result = result[:runResultMaxLength]
	}
	if err := r.chat.SendResult(ctx, t.Channel, t.ID, result, t.Thread); err != nil {
		r.logger.Error("orchestrator: send result failed", "task_id", t.ID, "error", err)
	}

	next, err := r.tasks.OnTaskComplete(ctx, t.ID)
	if err != nil {
		r.logger.Error("orchestrator: on_task_complete failed", "task_id", t.ID, "error", err)
		return
	}
	if next != nil {
		r.Launch(context.Background(), *next)
	}
}

func (r *Runner) observe(h metric.Float64Histogram, d time.Duration) {
	if h == nil {
		return
	}
	h.Record(context.Background(), d.Seconds())
}

// Cancel stops the background listeners and polling loop for taskID, if it
// is currently running under this Runner. It does not touch the sandbox or
// the persisted task; callers pair it with Task Manager's own Cancel.
func (r *Runner) Cancel(taskID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}
