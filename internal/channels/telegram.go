package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/chaperone/internal/intake"
)

const resultUploadThreshold = 4000

// mentionAndStatusIntake is the intake surface the channel drives.
type mentionAndStatusIntake interface {
	Mention(ctx context.Context, ev intake.MentionEvent, reply intake.Replier) (string, error)
	Answer(ev intake.AnswerEvent) bool
	Status(ctx context.Context, taskID string, reply intake.Replier) error
	Cancel(ctx context.Context, taskID string, reply intake.Replier) error
}

// TelegramChannel is the concrete chat-platform adapter: it turns Telegram
// updates into intake calls and exposes SendMessage/UpdateMessage/
// UploadFile for the Progress Notifier and Question Handler to post into.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	intake     mentionAndStatusIntake
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	mu           sync.Mutex
	anchorToTask map[string]string // reply-anchor message id -> task id
}

// NewTelegramChannel constructs a TelegramChannel. allowedIDs restricts
// which Telegram user ids may drive the bot; an empty slice allows anyone.
func NewTelegramChannel(token string, allowedIDs []int64, in mentionAndStatusIntake, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		intake:       in,
		logger:       logger,
		anchorToTask: make(map[string]string),
	}
}

// Name identifies this channel implementation. It satisfies the Channel
// interface so the composition root can start a mixed slice of channels.
func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects the bot and polls for updates until ctx is cancelled,
// reconnecting with exponential backoff on transport failure.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram: init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	user := strconv.FormatInt(msg.From.ID, 10)

	if msg.ReplyToMessage != nil {
		anchor := strconv.Itoa(msg.ReplyToMessage.MessageID)
		t.mu.Lock()
		taskID, pending := t.anchorToTask[anchor]
		t.mu.Unlock()
		if pending && t.intake.Answer(intake.AnswerEvent{TaskID: taskID, Text: text}) {
			return
		}
	}

	switch {
	case strings.HasPrefix(text, "/claude-status"):
		taskID := strings.TrimSpace(strings.TrimPrefix(text, "/claude-status"))
		if err := t.intake.Status(ctx, taskID, t.replier(chatID, 0)); err != nil {
			t.logger.Error("telegram status command failed", "error", err)
		}
		return

	case strings.HasPrefix(text, "/claude-cancel"):
		taskID := strings.TrimSpace(strings.TrimPrefix(text, "/claude-cancel"))
		if err := t.intake.Cancel(ctx, taskID, t.replier(chatID, 0)); err != nil {
			t.logger.Error("telegram cancel command failed", "error", err)
		}
		return
	}

	reply := t.replier(chatID, msg.MessageID)
	taskID, err := t.intake.Mention(ctx, intake.MentionEvent{
		Channel: chatID,
		Thread:  strconv.Itoa(msg.MessageID),
		User:    user,
		Text:    text,
	}, reply)
	if err != nil {
		t.logger.Error("telegram mention failed", "error", err)
		return
	}
	if taskID == "" {
		return
	}
	if anchor, ok := reply.lastMessageID(); ok {
		t.mu.Lock()
		t.anchorToTask[strconv.Itoa(anchor)] = taskID
		t.mu.Unlock()
	}
}

// chanReplier implements intake.Replier against one Telegram chat,
// recording the id of the last message it sent so the caller can anchor a
// reply thread to it.
type chanReplier struct {
	bot             *tgbotapi.BotAPI
	chatID          int64
	replyToID       int
	lastSentID      int
	lastSentIDKnown bool
}

func (t *TelegramChannel) replier(chatID string, replyToID int) *chanReplier {
	id, _ := strconv.ParseInt(chatID, 10, 64)
	return &chanReplier{bot: t.bot, chatID: id, replyToID: replyToID}
}

func (r *chanReplier) Reply(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(r.chatID, text)
	if r.replyToID != 0 {
		msg.ReplyToMessageID = r.replyToID
	}
	sent, err := r.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	r.lastSentID = sent.MessageID
	r.lastSentIDKnown = true
	return nil
}

func (r *chanReplier) lastMessageID() (int, bool) {
	return r.lastSentID, r.lastSentIDKnown
}

// SendTrackedMessage posts text into channel and returns the platform
// message id, so the caller can anchor later edits (progress updates) to
// the message it just sent.
func (t *TelegramChannel) SendTrackedMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid channel id %q: %w", channel, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if threadID != "" {
		if replyTo, err := strconv.Atoi(threadID); err == nil {
			msg.ReplyToMessageID = replyTo
		}
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram: send tracked message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendMessage posts text into channel, optionally as a reply to threadID
// (the anchor message id). It implements the messenger interface the
// Question Handler depends on.
func (t *TelegramChannel) SendMessage(ctx context.Context, channel, text, threadID string) error {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid channel id %q: %w", channel, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if threadID != "" {
		if replyTo, err := strconv.Atoi(threadID); err == nil {
			msg.ReplyToMessageID = replyTo
		}
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// UpdateMessage edits an existing message in place. It implements the
// chatEditor interface the Progress Notifier depends on.
func (t *TelegramChannel) UpdateMessage(ctx context.Context, channel, messageID, text string) error {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid channel id %q: %w", channel, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", messageID, err)
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram: update message: %w", err)
	}
	return nil
}

// UploadFile sends content as a document attachment, used for task results
// that exceed the inline message size threshold.
func (t *TelegramChannel) UploadFile(ctx context.Context, channel, content, filename, threadID string) error {
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid channel id %q: %w", channel, err)
	}
	file := tgbotapi.FileBytes{Name: filename, Bytes: []byte(content)}
	doc := tgbotapi.NewDocument(chatID, file)
	if threadID != "" {
		if replyTo, err := strconv.Atoi(threadID); err == nil {
			doc.ReplyToMessageID = replyTo
		}
	}
	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("telegram: upload file: %w", err)
	}
	return nil
}

// SendResult posts a task result, uploading it as a file when it exceeds
// the inline message size threshold.
func (t *TelegramChannel) SendResult(ctx context.Context, channel, taskID, content, threadID string) error {
	if len(content) <= resultUploadThreshold {
		return t.SendMessage(ctx, channel, content, threadID)
	}
	filename := fmt.Sprintf("result-%s.txt", taskID)
	return t.UploadFile(ctx, channel, content, filename, threadID)
}
