package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-dispatch/internal/store"
)

// Producer validates and enqueues task messages. External intake (webhook
// handlers, chat bridges, the dashboard) calls this; it is the only write
// path into the queue besides the dispatcher's own retry scheduling.
type Producer struct {
	store         *store.Store
	validator     *Validator
	logger        *slog.Logger
	maxDeliveries int
}

// NewProducer builds a Producer. maxDeliveries is the transport redelivery
// budget applied to every message it enqueues.
func NewProducer(st *store.Store, validator *Validator, logger *slog.Logger, maxDeliveries int) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{store: st, validator: validator, logger: logger, maxDeliveries: maxDeliveries}
}

// Enqueue validates the envelope, creates the task row for task-starting
// kinds, and inserts the message with the given delivery delay.
// Returns the queue message id.
func (p *Producer) Enqueue(ctx context.Context, msg Message, delay time.Duration) (string, error) {
	payload, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if p.validator != nil {
		if err := p.validator.Validate(payload); err != nil {
			return "", err
		}
	}

	// The task row exists from the moment the external event arrives, so the
	// dashboard can show pending before any worker touches the message.
	if msg.Type == KindNewTask || msg.Type == KindChatTask {
		labels, _ := json.Marshal(msg.Labels)
		created, err := p.store.CreateTask(ctx, store.Task{
			TaskID:     msg.TaskID,
			Origin:     msg.Origin,
			BranchName: msg.BranchName,
			Labels:     string(labels),
		})
		if err != nil {
			return "", fmt.Errorf("create task for %s: %w", msg.TaskID, err)
		}
		if !created {
			p.logger.Debug("task row already exists", "task_id", msg.TaskID, "kind", msg.Type)
		}
	}

	id, err := p.store.EnqueueMessage(ctx, msg.TaskID, string(msg.Type), msg.DedupKey(), payload, delay, p.maxDeliveries)
	if err != nil {
		return "", err
	}
	p.logger.Info("message enqueued",
		"message_id", id, "task_id", msg.TaskID, "kind", msg.Type, "delay", delay)
	return id, nil
}
