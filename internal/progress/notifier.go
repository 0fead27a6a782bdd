// Package progress publishes and relays task progress: one side publishes
// status updates on a pub/sub channel, the other subscribes and edits a
// chat message in place as updates arrive.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/chaperone/internal/task"
)

// statusLabel maps a task status to its localized display label.
var statusLabel = map[task.Status]string{
	task.StatusPending:     "待機中...",
	task.StatusStarting:    "起動中...",
	task.StatusCloning:     "クローン中...",
	task.StatusRunning:     "実行中...",
	task.StatusWaitingUser: "ユーザー回答待ち...",
	task.StatusCompleted:   "完了",
	task.StatusFailed:      "エラー",
	task.StatusCancelled:   "キャンセル",
}

// FormatMessage renders the edited-message text for a progress update.
func FormatMessage(status task.Status, step, total int) string {
	label, ok := statusLabel[status]
	if !ok {
		label = string(status)
	}
	return fmt.Sprintf("%s (%d/%d)", label, step, total)
}

type update struct {
	Status string `json:"status"`
	Step   int    `json:"step"`
	Total  int    `json:"total"`
}

// publisher is the pub/sub publish surface the notifier needs.
type publisher interface {
	Publish(ctx context.Context, channel, message string)
}

// subscriber is the pub/sub subscribe surface the notifier needs.
type subscriber interface {
	Subscribe(ctx context.Context, channel string, fn func(payload string)) error
}

// chatEditor is the chat-platform surface needed to edit a posted message.
type chatEditor interface {
	UpdateMessage(ctx context.Context, channel, messageID, text string) error
}

func progressChannel(taskID string) string { return "progress:" + taskID }

// Notifier publishes task progress updates and relays them into chat
// message edits.
type Notifier struct {
	pub    publisher
	sub    subscriber
	chat   chatEditor
	logger *slog.Logger
}

// New constructs a Notifier. pub and sub are typically the same *pubsub.Client.
func New(pub publisher, sub subscriber, chat chatEditor, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, sub: sub, chat: chat, logger: logger}
}

// Notify publishes a progress update for taskID.
func (n *Notifier) Notify(ctx context.Context, taskID string, status task.Status, step, total int) {
	payload, err := json.Marshal(update{Status: string(status), Step: step, Total: total})
	if err != nil {
		n.logger.Error("progress notify: marshal failed", "task_id", taskID, "error", err)
		return
	}
	n.pub.Publish(ctx, progressChannel(taskID), string(payload))
	n.logger.Debug("progress notified", "task_id", taskID, "status", status, "step", step, "total", total)
}

// StartListening subscribes to taskID's progress channel and edits the chat
// message at (channelID, messageID) on every update. It blocks until ctx is
// cancelled. Malformed payloads are logged and skipped; the subscription
// continues.
func (n *Notifier) StartListening(ctx context.Context, taskID, channelID, messageID string) error {
	n.logger.Info("progress listening started", "task_id", taskID, "channel", channelID)
	defer n.logger.Info("progress listening stopped", "task_id", taskID)

	return n.sub.Subscribe(ctx, progressChannel(taskID), func(payload string) {
		var u update
		if err := json.Unmarshal([]byte(payload), &u); err != nil {
			n.logger.Error("progress update malformed, skipping", "task_id", taskID, "error", err)
			return
		}
		text := FormatMessage(task.Status(u.Status), u.Step, u.Total)
		if err := n.chat.UpdateMessage(ctx, channelID, messageID, text); err != nil {
			n.logger.Error("progress chat update failed", "task_id", taskID, "error", err)
		}
	})
}
