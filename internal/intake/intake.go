// Package intake turns raw chat events into Task Manager and Question
// Handler calls: bot mentions and slash commands start tasks, thread
// replies answer pending questions, and status/cancel commands query or
// stop an existing task.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/basket/chaperone/internal/task"
)

// repoURLPattern matches the first HTTPS URL on the expected host. The host
// is injected at construction so the orchestrator isn't tied to one forge.
func repoURLPattern(host string) *regexp.Regexp {
	return regexp.MustCompile(`https://` + regexp.QuoteMeta(host) + `/[^\s]+`)
}

// taskSubmitter is the Task Manager surface intake needs.
type taskSubmitter interface {
	SubmitWithResult(ctx context.Context, t task.Task) (task.SubmitResult, error)
	GetStatus(ctx context.Context, taskID string) (task.Status, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// launcher starts a task's sandbox lifecycle once it is admitted, and stops
// it early on cancellation. It is nil until SetLauncher wires it in,
// mirroring questions' late-binding setter.
type launcher interface {
	Launch(ctx context.Context, t task.Task)
	Cancel(taskID string)
}

// answerSubmitter is the Question Handler surface intake needs.
type answerSubmitter interface {
	SubmitAnswer(taskID, answer string) bool
	HasPendingQuestion(taskID string) bool
}

// Replier posts chat responses back to the inbound event's origin.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// Intake routes inbound chat events to the task orchestration core.
type Intake struct {
	tasks       taskSubmitter
	questions   answerSubmitter
	launch      launcher
	repoPattern *regexp.Regexp
	logger      *slog.Logger
}

// New constructs an Intake that only accepts repository URLs on
// expectedHost (e.g. "github.com"). questions may be nil at construction
// time and supplied later with SetQuestionHandler when the Question Handler
// and the chat channel have a circular dependency on each other (the
// channel needs an Intake, the Question Handler needs the channel as its
// messenger) and one side must be wired after the fact.
func New(tasks taskSubmitter, questions answerSubmitter, expectedHost string, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		tasks:       tasks,
		questions:   questions,
		repoPattern: repoURLPattern(expectedHost),
		logger:      logger,
	}
}

// SetQuestionHandler assigns the Question Handler surface after
// construction, for composition roots that must break the
// channel/intake/question-handler wiring cycle.
func (i *Intake) SetQuestionHandler(questions answerSubmitter) {
	i.questions = questions
}

// SetLauncher assigns the sandbox-lifecycle launcher. Like
// SetQuestionHandler, this is late-bound because the launcher depends on the
// chat channel, which in turn depends on this Intake.
func (i *Intake) SetLauncher(launch launcher) {
	i.launch = launch
}

// MentionEvent is a bot-mention inbound event.
type MentionEvent struct {
	Channel string
	Thread  string
	User    string
	Text    string
}

// Mention extracts a repository URL from the mention text and submits a new
// task, returning its id. It replies with an error and does no submission
// when no URL is found on the expected host, returning an empty task id.
func (i *Intake) Mention(ctx context.Context, ev MentionEvent, reply Replier) (string, error) {
	repoURL := i.repoPattern.FindString(ev.Text)
	if repoURL == "" {
		i.logger.Warn("intake mention missing repository url", "user", ev.User)
		return "", reply.Reply(ctx, fmt.Sprintf("<@%s> please include a repository URL", ev.User))
	}

	taskID := uuid.NewString()
	t := task.Task{
		ID:             taskID,
		Channel:        ev.Channel,
		Thread:         ev.Thread,
		User:           ev.User,
		Prompt:         ev.Text,
		RepositoryURL:  repoURL,
		Status:         task.StatusPending,
		IdempotencyKey: taskID,
	}

	if err := reply.Reply(ctx, fmt.Sprintf("<@%s> starting... (task id: %s)", ev.User, taskID)); err != nil {
		i.logger.Error("intake mention ack failed", "task_id", taskID, "error", err)
	}

	result, err := i.tasks.SubmitWithResult(ctx, t)
	if err != nil {
		return "", fmt.Errorf("intake: mention submit: %w", err)
	}
	if !result.Queued && i.launch != nil && result.TaskID == taskID {
		i.launch.Launch(ctx, t)
	}
	return taskID, nil
}

// SlashCommandEvent is a /claude slash-command inbound event. The caller is
// responsible for acknowledging within the platform's deadline before
// calling SlashCommand; this method itself performs no ack.
type SlashCommandEvent struct {
	Channel string
	User    string
	Text    string
}

// SlashCommand behaves like Mention but for slash-command origin events,
// which reply through a response-URL rather than a threaded message.
func (i *Intake) SlashCommand(ctx context.Context, ev SlashCommandEvent, reply Replier) (string, error) {
	return i.Mention(ctx, MentionEvent{Channel: ev.Channel, User: ev.User, Text: ev.Text}, reply)
}

// AnswerEvent is a reply-in-thread event that may answer an outstanding
// question for taskID.
type AnswerEvent struct {
	TaskID string
	Text   string
}

// Answer routes a threaded reply to the Question Handler when taskID has an
// outstanding question. It returns false when there was nothing pending,
// signalling the caller should treat the reply as an ordinary message.
func (i *Intake) Answer(ev AnswerEvent) bool {
	if i.questions == nil || !i.questions.HasPendingQuestion(ev.TaskID) {
		return false
	}
	return i.questions.SubmitAnswer(ev.TaskID, ev.Text)
}

// Status handles a /claude-status <task_id> command.
func (i *Intake) Status(ctx context.Context, taskID string, reply Replier) error {
	status, err := i.tasks.GetStatus(ctx, taskID)
	if err != nil {
		return reply.Reply(ctx, fmt.Sprintf("task %s not found", taskID))
	}
	return reply.Reply(ctx, fmt.Sprintf("task %s: %s", taskID, status))
}

// Cancel handles a /claude-cancel <task_id> command.
func (i *Intake) Cancel(ctx context.Context, taskID string, reply Replier) error {
	ok, err := i.tasks.Cancel(ctx, taskID)
	if err != nil {
		return fmt.Errorf("intake: cancel: %w", err)
	}
	if !ok {
		return reply.Reply(ctx, fmt.Sprintf("task %s could not be cancelled (not found or already finished)", taskID))
	}
	if i.launch != nil {
		i.launch.Cancel(taskID)
	}
	return reply.Reply(ctx, fmt.Sprintf("task %s cancelled", taskID))
}
