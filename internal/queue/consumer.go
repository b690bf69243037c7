package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/shared"
	"github.com/basket/go-dispatch/internal/store"
)

// Outcome is the application-level result of handling one message.
type Outcome int

const (
	// OutcomeOK: side effects persisted (including "duplicate, no-op").
	OutcomeOK Outcome = iota
	// OutcomeRetryable: a transient failure; the handler has already
	// scheduled its own delayed retry message. The current delivery is acked.
	OutcomeRetryable
	// OutcomeFatal: terminal application failure, persisted as such. Acked;
	// any transport redelivery is absorbed by the dedup ledger.
	OutcomeFatal
	// OutcomeTransport: the handler could not reach its own dependencies
	// (store write failed). The message is nacked for transport redelivery.
	OutcomeTransport
)

// Handler processes one decoded message.
type Handler interface {
	Handle(ctx context.Context, msg Message) Outcome
}

// Config controls the consumer loop.
type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	Lease        time.Duration
	// NackDelay is the requeue delay after a transport-level failure.
	NackDelay time.Duration
}

// Consumer polls the queue and feeds messages to the Handler. Each worker is
// logically independent; concurrent redelivery of the same message for the
// same task is tolerated, not prevented (the handler's dedup and state
// preconditions make the second delivery a no-op).
type Consumer struct {
	store   *store.Store
	handler Handler
	logger  *slog.Logger
	config  Config

	once sync.Once
	wg   sync.WaitGroup
}

// NewConsumer builds a Consumer.
func NewConsumer(st *store.Store, handler Handler, logger *slog.Logger, cfg Config) *Consumer {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 16 * time.Minute
	}
	if cfg.NackDelay <= 0 {
		cfg.NackDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{store: st, handler: handler, logger: logger, config: cfg}
}

// Start launches the worker pool. On startup, messages whose lease expired
// while a previous process died mid-handling are requeued first.
func (c *Consumer) Start(ctx context.Context) {
	c.once.Do(func() {
		n, err := c.store.RequeueExpiredLeases(ctx)
		if err != nil {
			c.logger.Error("lease recovery failed", "error", err)
		} else if n > 0 {
			c.logger.Info("recovered stale messages on startup", "count", n)
		}
		for i := 0; i < c.config.WorkerCount; i++ {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.worker(ctx)
			}()
		}
	})
}

// Drain waits for in-flight handlers to finish, up to timeout. Messages still
// leased after the timeout are recovered by RequeueExpiredLeases on the next
// startup.
func (c *Consumer) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("consumer drained cleanly")
	case <-time.After(timeout):
		c.logger.Warn("consumer drain timeout; leased messages recover on next startup", "timeout", timeout)
	}
}

func (c *Consumer) worker(ctx context.Context) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := c.store.RequeueExpiredLeases(ctx); err != nil {
			c.logger.Error("requeue expired leases", "error", err)
		}

		raw, err := c.store.ClaimNextMessage(ctx, c.config.Lease)
		if err != nil {
			c.logger.Error("claim message", "error", err)
		}
		if err != nil || raw == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		c.deliver(ctx, raw)
	}
}

func (c *Consumer) deliver(ctx context.Context, raw *store.QueueMessage) {
	msg, err := Decode(raw.Payload)
	if err != nil {
		// A payload that passed schema validation at enqueue but no longer
		// decodes is a poison pill: let the delivery budget dead-letter it.
		c.logger.Error("undecodable message payload",
			"message_id", raw.ID, "task_id", raw.TaskID, "error", err)
		if nackErr := c.store.NackMessage(ctx, raw.ID, raw.LeaseOwner, c.config.NackDelay); nackErr != nil {
			c.logger.Error("nack undecodable message", "message_id", raw.ID, "error", nackErr)
		}
		return
	}

	outcome := c.handler.Handle(shared.WithMessageID(ctx, raw.ID), msg)

	switch outcome {
	case OutcomeTransport:
		if err := c.store.NackMessage(ctx, raw.ID, raw.LeaseOwner, c.config.NackDelay); err != nil {
			c.logger.Error("nack message", "message_id", raw.ID, "error", err)
		}
	default:
		if err := c.store.AckMessage(ctx, raw.ID, raw.LeaseOwner); err != nil {
			// The lease may have expired during a long handle; redelivery is
			// absorbed by the dedup ledger.
			c.logger.Warn("ack failed", "message_id", raw.ID, "error", err)
		}
	}
}
