// Package hitl implements the human-in-the-loop question/answer round trip:
// a sandboxed task asks a question over pub/sub, the handler forwards it to
// chat and waits (with a timeout) for a reply, then returns the answer the
// same way it arrived.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/chaperone/internal/audit"
	"github.com/basket/chaperone/internal/task"

	"go.opentelemetry.io/otel/metric"
)

const defaultTimeout = 600 * time.Second

// Question is a pending human-in-the-loop question for a task. Options is
// carried through from the sandbox's question payload but not enforced here;
// the chat platform renders it as free-form text either way.
type Question struct {
	TaskID         string
	Text           string
	Options        []string
	TimeoutSeconds int
}

type questionPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// store is the task-persistence surface the handler needs.
type store interface {
	Load(ctx context.Context, taskID string) (task.Task, error)
	Persist(ctx context.Context, t task.Task) error
}

// publisher is the pub/sub publish surface the handler needs.
type publisher interface {
	Publish(ctx context.Context, channel, message string)
}

// subscriber is the pub/sub subscribe surface the handler needs.
type subscriber interface {
	Subscribe(ctx context.Context, channel string, fn func(payload string)) error
}

// messenger is the chat-platform surface needed to post a question and a
// timeout notice.
type messenger interface {
	SendMessage(ctx context.Context, channel, text, threadID string) error
}

func questionChannel(taskID string) string { return "question:" + taskID }
func answerChannel(taskID string) string   { return "answer:" + taskID }

// Handler tracks one pending question and one answer-completion handle per
// task, forwarding sandbox questions to chat and chat replies back to the
// sandbox.
type Handler struct {
	store   store
	pub     publisher
	sub     subscriber
	chat    messenger
	timeout time.Duration
	logger  *slog.Logger

	waitDuration metric.Float64Histogram

	mu      sync.Mutex
	pending map[string]Question
	handles map[string]chan string
}

// New constructs a Handler with the given answer timeout (0 uses the
// 10-minute default).
func New(s store, pub publisher, sub subscriber, chat messenger, timeout time.Duration, logger *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:   s,
		pub:     pub,
		sub:     sub,
		chat:    chat,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]Question),
		handles: make(map[string]chan string),
	}
}

// SetMetrics wires the given instrument into the handler. A nil instrument
// is silently skipped.
func (h *Handler) SetMetrics(waitDuration metric.Float64Histogram) {
	h.waitDuration = waitDuration
}

// ListenForQuestions subscribes to taskID's question channel and, for each
// question that arrives, runs the full forward/wait/return flow. It blocks
// until ctx is cancelled.
func (h *Handler) ListenForQuestions(ctx context.Context, taskID string) error {
	return h.sub.Subscribe(ctx, questionChannel(taskID), func(payload string) {
		var q questionPayload
		if err := json.Unmarshal([]byte(payload), &q); err != nil {
			h.logger.Error("hitl question payload malformed, skipping", "task_id", taskID, "error", err)
			return
		}
		h.handleQuestion(ctx, taskID, q.Question, q.Options)
	})
}

func (h *Handler) handleQuestion(ctx context.Context, taskID, question string, options []string) {
	t, err := h.store.Load(ctx, taskID)
	if err != nil {
		h.logger.Error("hitl task not found, dropping question", "task_id", taskID, "error", err)
		return
	}

	handle := h.register(taskID, question, options)
	defer h.cleanup(taskID)

	t.Status = task.StatusWaitingUser
	if err := h.store.Persist(ctx, t); err != nil {
		h.logger.Error("hitl persist waiting_user failed", "task_id", taskID, "error", err)
	}
	audit.Record("waiting_user", "hitl_question_posted", question, taskID)

	timeoutMinutes := int(h.timeout.Seconds()) / 60
	text := fmt.Sprintf("<@%s> Claude Code question:\n\n%s\n\n_Please reply in this thread. (Timeout: %d min)_",
		t.User, question, timeoutMinutes)
	if err := h.chat.SendMessage(ctx, t.Channel, text, t.Thread); err != nil {
		h.logger.Error("hitl question post failed", "task_id", taskID, "error", err)
	}

	waitStart := time.Now()
	answer, ok := h.wait(ctx, handle)
	if h.waitDuration != nil {
		h.waitDuration.Record(ctx, time.Since(waitStart).Seconds())
	}
	if !ok {
		h.logger.Warn("hitl question timed out", "task_id", taskID)
		t.Status = task.StatusCancelled
		if err := h.store.Persist(ctx, t); err != nil {
			h.logger.Error("hitl persist cancelled failed", "task_id", taskID, "error", err)
		}
		audit.Record("cancelled", "hitl_question_timeout", question, taskID)
		timeoutText := fmt.Sprintf("<@%s> Timeout. Task cancelled due to no response to the question.", t.User)
		if err := h.chat.SendMessage(ctx, t.Channel, timeoutText, t.Thread); err != nil {
			h.logger.Error("hitl timeout notice failed", "task_id", taskID, "error", err)
		}
		return
	}

	h.pub.Publish(ctx, answerChannel(taskID), answer)
	t.Status = task.StatusRunning
	if err := h.store.Persist(ctx, t); err != nil {
		h.logger.Error("hitl persist running failed", "task_id", taskID, "error", err)
	}
	audit.Record("running", "hitl_question_answered", question, taskID)
}

func (h *Handler) register(taskID, question string, options []string) chan string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[taskID] = Question{TaskID: taskID, Text: question, Options: options, TimeoutSeconds: int(h.timeout.Seconds())}
	handle := make(chan string, 1)
	h.handles[taskID] = handle
	return handle
}

func (h *Handler) cleanup(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, taskID)
	delete(h.handles, taskID)
}

func (h *Handler) wait(ctx context.Context, handle chan string) (string, bool) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case answer := <-handle:
		return answer, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// SubmitAnswer fulfills the pending answer handle for taskID. It returns
// false if there is no pending question for that task (already answered,
// timed out, or never asked).
func (h *Handler) SubmitAnswer(taskID, answer string) bool {
	h.mu.Lock()
	handle, ok := h.handles[taskID]
	if ok {
		delete(h.handles, taskID) // one-shot: only the first submission wins
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Warn("hitl no pending question for task", "task_id", taskID)
		return false
	}
	handle <- answer
	h.logger.Info("hitl answer submitted", "task_id", taskID)
	return true
}

// HasPendingQuestion reports whether taskID currently has an outstanding
// question awaiting an answer.
func (h *Handler) HasPendingQuestion(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[taskID]
	return ok
}

// PendingQuestion returns the outstanding question for taskID, if any.
func (h *Handler) PendingQuestion(taskID string) (Question, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.pending[taskID]
	return q, ok
}
