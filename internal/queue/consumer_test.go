package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-dispatch/internal/shared"
	"github.com/basket/go-dispatch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingHandler struct {
	mu         sync.Mutex
	seen       []Message
	messageIDs []string
	outcome    Outcome
	done       chan struct{}
}

func (h *recordingHandler) Handle(ctx context.Context, msg Message) Outcome {
	h.mu.Lock()
	h.seen = append(h.seen, msg)
	h.messageIDs = append(h.messageIDs, shared.MessageID(ctx))
	h.mu.Unlock()
	select {
	case h.done <- struct{}{}:
	default:
	}
	return h.outcome
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestProducerEnqueueCreatesTaskRow(t *testing.T) {
	s := openTestStore(t)
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	p := NewProducer(s, v, nil, 4)
	ctx := context.Background()

	msg := Message{
		Type:       KindNewTask,
		TaskID:     "task-1",
		Origin:     "issue-tracker",
		Prompt:     "implement the thing",
		BranchName: "feat/thing",
		Labels:     []string{"clarity-ai"},
	}
	if _, err := p.Enqueue(ctx, msg, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Errorf("new task status = %s, want pending", task.Status)
	}
	depth, err := s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestProducerRejectsInvalidEnvelope(t *testing.T) {
	s := openTestStore(t)
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	p := NewProducer(s, v, nil, 4)

	// task.new without prompt must not reach the queue or create a task.
	msg := Message{Type: KindNewTask, TaskID: "task-bad", BranchName: "b"}
	if _, err := p.Enqueue(context.Background(), msg, 0); err == nil {
		t.Fatal("expected validation error")
	}
	if depth, _ := s.QueueDepth(context.Background()); depth != 0 {
		t.Errorf("queue depth = %d after rejected enqueue, want 0", depth)
	}
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	s := openTestStore(t)
	p := NewProducer(s, nil, nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := Message{Type: KindCancel, TaskID: "task-c"}
	if _, err := p.Enqueue(ctx, msg, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := &recordingHandler{outcome: OutcomeOK, done: make(chan struct{}, 1)}
	c := NewConsumer(s, h, nil, Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond})
	c.Start(ctx)

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never invoked")
	}
	cancel()
	c.Drain(2 * time.Second)

	if h.count() != 1 {
		t.Fatalf("handler invoked %d times, want 1", h.count())
	}
	if h.seen[0].TaskID != "task-c" || h.seen[0].Type != KindCancel {
		t.Errorf("handler saw %+v", h.seen[0])
	}
	if h.messageIDs[0] == "" {
		t.Error("handler context is missing the queue message id")
	}
	// Acked messages never come back.
	if got, err := s.ClaimNextMessage(context.Background(), time.Minute); err != nil || got != nil {
		t.Errorf("expected empty queue after ack, got %v, %v", got, err)
	}
}

func TestConsumerNacksOnTransportFailure(t *testing.T) {
	s := openTestStore(t)
	p := NewProducer(s, nil, nil, 4)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, Message{Type: KindCancel, TaskID: "task-n"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	raw, err := s.ClaimNextMessage(ctx, time.Minute)
	if err != nil || raw == nil {
		t.Fatalf("claim: %v, %v", raw, err)
	}

	h := &recordingHandler{outcome: OutcomeTransport, done: make(chan struct{}, 1)}
	c := NewConsumer(s, h, nil, Config{NackDelay: time.Millisecond})
	c.deliver(ctx, raw)

	// The nack requeues with a delay; wait it out and claim again.
	time.Sleep(20 * time.Millisecond)
	again, err := s.ClaimNextMessage(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if again == nil {
		t.Fatal("nacked message should be claimable again")
	}
	if again.DeliveryCount != 2 {
		t.Errorf("delivery count = %d, want 2", again.DeliveryCount)
	}
}

func TestConsumerNacksUndecodablePayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.EnqueueMessage(ctx, "task-p", "task.cancel", "task-p:task.cancel:explicit", "{broken", 0, 2); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	raw, err := s.ClaimNextMessage(ctx, time.Minute)
	if err != nil || raw == nil {
		t.Fatalf("claim: %v, %v", raw, err)
	}

	h := &recordingHandler{outcome: OutcomeOK, done: make(chan struct{}, 1)}
	c := NewConsumer(s, h, nil, Config{NackDelay: time.Millisecond})
	c.deliver(ctx, raw)

	if h.count() != 0 {
		t.Errorf("handler should not see undecodable payloads, saw %d", h.count())
	}
}

func TestConsumerStartRecoversExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	p := NewProducer(s, nil, nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := p.Enqueue(ctx, Message{Type: KindCancel, TaskID: "task-r"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Simulate a crashed worker: claim with an already-expired lease.
	if raw, err := s.ClaimNextMessage(ctx, -time.Minute); err != nil || raw == nil {
		t.Fatalf("claim: %v, %v", raw, err)
	}

	h := &recordingHandler{outcome: OutcomeOK, done: make(chan struct{}, 1)}
	c := NewConsumer(s, h, nil, Config{WorkerCount: 1, PollInterval: 10 * time.Millisecond})
	c.Start(ctx)

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("message never redelivered after lease expiry")
	}
	cancel()
	c.Drain(2 * time.Second)
}
