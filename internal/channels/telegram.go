package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/queue"
	"github.com/basket/go-dispatch/internal/store"
)

// TelegramChannel renders task lifecycle events to operator chats and accepts
// a small command set back: new tasks, clarification answers, retries, and
// cancels all enter through the same validated queue as every other intake.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	producer   *queue.Producer
	store      *store.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates the channel. allowedIDs is the chat allowlist;
// lifecycle events broadcast to every entry.
func NewTelegramChannel(token string, allowedIDs []int64, producer *queue.Producer,
	st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		producer:   producer,
		store:      st,
		eventBus:   eventBus,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects the bot, begins forwarding bus events, and polls for
// commands with reconnection backoff.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.forwardEvents(ctx)

	reconnect := time.Second
	const maxReconnect = 30 * time.Second
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
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", reconnect)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnect):
		}
		reconnect *= 2
		if reconnect > maxReconnect {
			reconnect = maxReconnect
		}
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or the
// long-poll stalls. Returns nil only on context cancellation.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library long-polls for 60s and blocks instead of closing on a dead
	// connection; treat a long silence as a disconnect.
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
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	// Source idempotency token: stable across Telegram's own redeliveries.
	chatTS := fmt.Sprintf("%d.%d", msg.Date, msg.MessageID)

	fields := strings.Fields(content)
	switch fields[0] {
	case "/task":
		t.commandNewTask(ctx, msg, chatTS, strings.TrimSpace(strings.TrimPrefix(content, "/task")))
	case "/answer":
		t.commandAnswer(ctx, msg, chatTS, fields)
	case "/retry":
		t.commandRetry(ctx, msg, fields)
	case "/cancel":
		t.commandCancel(ctx, msg, chatTS, fields)
	case "/status":
		t.commandStatus(ctx, msg, fields)
	default:
		t.reply(msg.Chat.ID, "commands: /task <prompt>, /answer <task-id> <text>, /retry <task-id>, /cancel <task-id>, /status <task-id>")
	}
}

func (t *TelegramChannel) commandNewTask(ctx context.Context, msg *tgbotapi.Message, chatTS, prompt string) {
	if prompt == "" {
		t.reply(msg.Chat.ID, "usage: /task <prompt>")
		return
	}
	taskID := "chat-" + uuid.NewString()
	_, err := t.producer.Enqueue(ctx, queue.Message{
		Type:          queue.KindChatTask,
		TaskID:        taskID,
		Origin:        "chat",
		Prompt:        prompt,
		ChatTimestamp: chatTS,
	}, 0)
	if err != nil {
		t.reply(msg.Chat.ID, "could not enqueue task: "+err.Error())
		return
	}
	t.reply(msg.Chat.ID, "task accepted: "+taskID)
}

func (t *TelegramChannel) commandAnswer(ctx context.Context, msg *tgbotapi.Message, chatTS string, fields []string) {
	if len(fields) < 3 {
		t.reply(msg.Chat.ID, "usage: /answer <task-id> <text>")
		return
	}
	_, err := t.producer.Enqueue(ctx, queue.Message{
		Type:          queue.KindClarificationAnswer,
		TaskID:        fields[1],
		Origin:        "chat",
		Answer:        strings.Join(fields[2:], " "),
		ChatTimestamp: chatTS,
	}, 0)
	if err != nil {
		t.reply(msg.Chat.ID, "could not enqueue answer: "+err.Error())
		return
	}
	t.reply(msg.Chat.ID, "answer forwarded to "+fields[1])
}

func (t *TelegramChannel) commandRetry(ctx context.Context, msg *tgbotapi.Message, fields []string) {
	if len(fields) != 2 {
		t.reply(msg.Chat.ID, "usage: /retry <task-id>")
		return
	}
	taskID := fields[1]
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		t.reply(msg.Chat.ID, "unknown task "+taskID)
		return
	}
	_, err = t.producer.Enqueue(ctx, queue.Message{
		Type:    queue.KindRetry,
		TaskID:  taskID,
		Origin:  "chat",
		Prompt:  "retry requested by operator",
		Attempt: task.RetryCount + 1,
		Reason:  "operator retry",
	}, 0)
	if err != nil {
		t.reply(msg.Chat.ID, "could not enqueue retry: "+err.Error())
		return
	}
	t.reply(msg.Chat.ID, "retry scheduled for "+taskID)
}

func (t *TelegramChannel) commandCancel(ctx context.Context, msg *tgbotapi.Message, chatTS string, fields []string) {
	if len(fields) != 2 {
		t.reply(msg.Chat.ID, "usage: /cancel <task-id>")
		return
	}
	_, err := t.producer.Enqueue(ctx, queue.Message{
		Type:          queue.KindCancel,
		TaskID:        fields[1],
		Origin:        "chat",
		ChatTimestamp: chatTS,
		Reason:        "cancelled by operator",
	}, 0)
	if err != nil {
		t.reply(msg.Chat.ID, "could not enqueue cancel: "+err.Error())
		return
	}
	t.reply(msg.Chat.ID, "cancel requested for "+fields[1])
}

func (t *TelegramChannel) commandStatus(ctx context.Context, msg *tgbotapi.Message, fields []string) {
	if len(fields) != 2 {
		t.reply(msg.Chat.ID, "usage: /status <task-id>")
		return
	}
	task, err := t.store.GetTask(ctx, fields[1])
	if err != nil {
		t.reply(msg.Chat.ID, "unknown task "+fields[1])
		return
	}
	text := fmt.Sprintf("task %s\nstatus: %s\nbackend: %s/%s\nretries: %d",
		task.TaskID, task.Status, task.AgentType, task.Provider, task.RetryCount)
	if task.ErrorMessage != "" {
		text += fmt.Sprintf("\nerror [%s]: %s\nsuggestion: %s",
			task.ErrorCategory, task.ErrorMessage, task.ErrorSuggestion)
	}
	t.reply(msg.Chat.ID, text)
}

// forwardEvents turns bus events into operator messages. The bus drops
// events for slow consumers, so a Telegram outage never backs up dispatch.
func (t *TelegramChannel) forwardEvents(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe("task.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if text := RenderEvent(event); text != "" {
				t.broadcast(text)
			}
		}
	}
}

// RenderEvent formats one bus event for humans. Empty string means "not
// worth a notification".
func RenderEvent(event bus.Event) string {
	switch event.Topic {
	case bus.TopicTaskPROpened:
		e, ok := event.Payload.(bus.TaskResultEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("✅ task %s opened a PR\n%s\n%s", e.TaskID, e.Summary, e.PRURL)
	case bus.TopicTaskCompleted:
		e, ok := event.Payload.(bus.TaskResultEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("✅ task %s completed\n%s", e.TaskID, e.Summary)
	case bus.TopicTaskClarification:
		e, ok := event.Payload.(bus.TaskResultEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("❓ task %s needs clarification\n%s\nreply with /answer %s <text>", e.TaskID, e.Summary, e.TaskID)
	case bus.TopicTaskFailed:
		e, ok := event.Payload.(bus.TaskResultEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("❌ task %s failed [%s]\n%s\n💡 %s", e.TaskID, e.ErrorCategory, e.ErrorMessage, e.ErrorSuggestion)
	case bus.TopicTaskCancelled:
		e, ok := event.Payload.(bus.TaskResultEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🚫 task %s cancelled", e.TaskID)
	case bus.TopicTaskRetrying:
		e, ok := event.Payload.(bus.TaskRetryEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🔄 task %s retrying (attempt %d, in %dms)\n%s", e.TaskID, e.Attempt, e.DelayMs, e.Reason)
	}
	return ""
}

func (t *TelegramChannel) broadcast(text string) {
	for chatID := range t.allowedIDs {
		t.reply(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
	}
}
