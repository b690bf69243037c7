package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/backoff"
	"github.com/basket/go-dispatch/internal/bus"
	otelpkg "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/queue"
	"github.com/basket/go-dispatch/internal/sandbox"
	"github.com/basket/go-dispatch/internal/session"
	"github.com/basket/go-dispatch/internal/store"
)

// scriptedRunner returns queued responses in order and records every request.
type scriptedRunner struct {
	mu        sync.Mutex
	requests  []sandbox.TaskRequest
	responses []*sandbox.TaskResponse
}

func (r *scriptedRunner) ProcessTask(_ context.Context, req sandbox.TaskRequest) (*sandbox.TaskResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.responses) == 0 {
		return &sandbox.TaskResponse{OK: true, Summary: "done", SessionID: "sess-default", Attempts: 1}, nil
	}
	resp := r.responses[0]
	r.responses = r.responses[1:]
	return resp, nil
}

func (r *scriptedRunner) push(resp *sandbox.TaskResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *scriptedRunner) lastRequest() sandbox.TaskRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type testEnv struct {
	dispatcher *Dispatcher
	store      *store.Store
	runner     *scriptedRunner
	projects   string
}

func newTestEnv(t *testing.T, retry backoff.Policy) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	runner := &scriptedRunner{}
	registry := agent.NewRegistry(runner, nil)
	router := agent.NewRouter([]agent.Rule{
		{Label: "clarity-ai", AgentType: "claude", Provider: "anthropic"},
		{Label: "clarity-ai-opencode-openai", AgentType: "opencode", Provider: "openai"},
	}, "claude", "anthropic")
	producer := queue.NewProducer(s, nil, nil, 4)
	projects := t.TempDir()

	d := New(s, registry, router, producer, nil, nil, nil, Config{
		Retry:       retry,
		SessionTTL:  time.Hour,
		ProjectsDir: projects,
	})
	d.credentials = func(provider string) (string, error) { return "sk-test-key", nil }

	return &testEnv{dispatcher: d, store: s, runner: runner, projects: projects}
}

func (e *testEnv) createTask(t *testing.T, taskID string, labels ...string) {
	t.Helper()
	raw, _ := json.Marshal(labels)
	if _, err := e.store.CreateTask(context.Background(), store.Task{
		TaskID: taskID,
		Origin: "issue-tracker",
		Labels: string(raw),
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func (e *testEnv) status(t *testing.T, taskID string) store.TaskStatus {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Status
}

func newTaskMsg(taskID string, labels ...string) queue.Message {
	return queue.Message{
		Type:       queue.KindNewTask,
		TaskID:     taskID,
		Origin:     "issue-tracker",
		Prompt:     "implement the feature",
		BranchName: "feat/" + taskID,
		Labels:     labels,
	}
}

func TestNewTaskToPRCreated(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t1", "clarity-ai")

	blob, _ := session.Encode([]byte(`{"role":"assistant"}` + "\n"))
	e.runner.push(&sandbox.TaskResponse{
		OK: true, PRURL: "https://git.example/pr/1", Summary: "opened PR",
		SessionID: "sess-1", SessionBlob: blob, Attempts: 1,
	})

	o := e.dispatcher.Handle(context.Background(), newTaskMsg("t1", "clarity-ai"))
	if o != queue.OutcomeOK {
		t.Fatalf("outcome = %v, want OK", o)
	}
	if got := e.status(t, "t1"); got != store.TaskStatusPRCreated {
		t.Errorf("status = %s, want pr_created", got)
	}
	sess, err := e.store.LatestSession(context.Background(), "t1", "claude")
	if err != nil || sess == nil {
		t.Fatalf("expected persisted session, got %v, %v", sess, err)
	}
	if sess.SessionID != "sess-1" || sess.Blob != blob {
		t.Errorf("session mismatch: %+v", sess)
	}
	req := e.runner.lastRequest()
	if req.AgentType != "claude" || req.Provider != "anthropic" {
		t.Errorf("routed to %s/%s, want claude/anthropic", req.AgentType, req.Provider)
	}
	if req.Credentials["ANTHROPIC_API_KEY"] != "sk-test-key" {
		t.Errorf("credentials not attached: %+v", req.Credentials)
	}
}

func TestDuplicateReplayHasNoDoubleEffects(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t2", "clarity-ai")

	blob, _ := session.Encode([]byte("transcript\n"))
	msg := newTaskMsg("t2", "clarity-ai")
	e.runner.push(&sandbox.TaskResponse{OK: true, PRURL: "https://git.example/pr/2", SessionID: "s1", SessionBlob: blob, Attempts: 1})

	if o := e.dispatcher.Handle(context.Background(), msg); o != queue.OutcomeOK {
		t.Fatalf("first handle = %v", o)
	}
	// Exact replay: same dedup key, same payload.
	if o := e.dispatcher.Handle(context.Background(), msg); o != queue.OutcomeOK {
		t.Fatalf("second handle = %v", o)
	}

	if e.runner.callCount() != 1 {
		t.Errorf("sandbox invoked %d times, want 1 (no duplicate PR)", e.runner.callCount())
	}
	count, err := e.store.SessionCount(context.Background(), "t2")
	if err != nil {
		t.Fatalf("session count: %v", err)
	}
	if count != 1 {
		t.Errorf("session rows = %d, want 1", count)
	}
	if got := e.status(t, "t2"); got != store.TaskStatusPRCreated {
		t.Errorf("status = %s after replay, want pr_created", got)
	}
}

func TestClarificationRoundTripAndStaleAnswer(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t3", "clarity-ai")
	ctx := context.Background()

	blob, _ := session.Encode([]byte("round one\n"))
	e.runner.push(&sandbox.TaskResponse{
		OK: true, NeedsClarification: true, Question: "monorepo or split?",
		SessionID: "sess-r1", SessionBlob: blob, Attempts: 1,
	})
	if o := e.dispatcher.Handle(ctx, newTaskMsg("t3", "clarity-ai")); o != queue.OutcomeOK {
		t.Fatalf("new task handle = %v", o)
	}
	if got := e.status(t, "t3"); got != store.TaskStatusAwaitingClarification {
		t.Fatalf("status = %s, want awaiting_clarification", got)
	}

	// The answer resumes the persisted session.
	e.runner.push(&sandbox.TaskResponse{
		OK: true, PRURL: "https://git.example/pr/3", SessionID: "sess-r2", SessionBlob: blob, Attempts: 1,
	})
	answer := queue.Message{
		Type: queue.KindClarificationAnswer, TaskID: "t3",
		Answer: "monorepo", ChatTimestamp: "100.1",
	}
	if o := e.dispatcher.Handle(ctx, answer); o != queue.OutcomeOK {
		t.Fatalf("answer handle = %v", o)
	}
	req := e.runner.lastRequest()
	if req.ResumeSessionID != "sess-r1" || req.SessionBlob != blob {
		t.Errorf("answer did not resume prior session: %+v", req)
	}
	if req.Prompt != "monorepo" {
		t.Errorf("answer text not used as prompt: %q", req.Prompt)
	}
	if got := e.status(t, "t3"); got != store.TaskStatusPRCreated {
		t.Fatalf("status = %s, want pr_created", got)
	}

	// A second answer while the PR is open is stale: no state change, no run.
	calls := e.runner.callCount()
	late := queue.Message{
		Type: queue.KindClarificationAnswer, TaskID: "t3",
		Answer: "actually split it", ChatTimestamp: "100.2",
	}
	if o := e.dispatcher.Handle(ctx, late); o != queue.OutcomeOK {
		t.Fatalf("stale answer handle = %v", o)
	}
	if e.runner.callCount() != calls {
		t.Error("stale answer reached the sandbox")
	}
	if got := e.status(t, "t3"); got != store.TaskStatusPRCreated {
		t.Errorf("stale answer changed status to %s", got)
	}
}

func TestChangeRequestReopensFinishedTask(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t4", "clarity-ai")
	ctx := context.Background()

	e.runner.push(&sandbox.TaskResponse{OK: true, PRURL: "https://git.example/pr/4", SessionID: "s1", Attempts: 1})
	if o := e.dispatcher.Handle(ctx, newTaskMsg("t4", "clarity-ai")); o != queue.OutcomeOK {
		t.Fatalf("new task = %v", o)
	}

	e.runner.push(&sandbox.TaskResponse{OK: true, PRURL: "https://git.example/pr/4", SessionID: "s2", Attempts: 1})
	change := queue.Message{
		Type: queue.KindChangeRequest, TaskID: "t4",
		Prompt: "also update the changelog", ChatTimestamp: "200.1",
	}
	if o := e.dispatcher.Handle(ctx, change); o != queue.OutcomeOK {
		t.Fatalf("change request = %v", o)
	}
	if got := e.status(t, "t4"); got != store.TaskStatusPRCreated {
		t.Errorf("status = %s, want pr_created after change round", got)
	}
	if e.runner.callCount() != 2 {
		t.Errorf("sandbox calls = %d, want 2", e.runner.callCount())
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	retry := backoff.Policy{InitialDelay: time.Millisecond, MaxRetries: 3}
	e := newTestEnv(t, retry)
	e.createTask(t, "t5", "clarity-ai")
	ctx := context.Background()

	e.runner.push(&sandbox.TaskResponse{
		Failure: &sandbox.Failure{Transient: true, Message: "connection refused", Attempts: 6},
	})
	o := e.dispatcher.Handle(ctx, newTaskMsg("t5", "clarity-ai"))
	if o != queue.OutcomeRetryable {
		t.Fatalf("outcome = %v, want Retryable", o)
	}

	task, _ := e.store.GetTask(ctx, "t5")
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", task.RetryCount)
	}
	if task.Status != store.TaskStatusProcessing {
		t.Errorf("status = %s, retryable failures must not change status", task.Status)
	}

	time.Sleep(20 * time.Millisecond)
	raw, err := e.store.ClaimNextMessage(ctx, time.Minute)
	if err != nil || raw == nil {
		t.Fatalf("expected scheduled retry message: %v, %v", raw, err)
	}
	retryMsg, err := queue.Decode(raw.Payload)
	if err != nil {
		t.Fatalf("decode retry: %v", err)
	}
	if retryMsg.Type != queue.KindRetry || retryMsg.Attempt != 1 {
		t.Errorf("retry message = %+v", retryMsg)
	}
	if retryMsg.Prompt != "implement the feature" {
		t.Error("retry message must be self-contained")
	}
}

func TestRetryExhaustionReachesTerminalError(t *testing.T) {
	retry := backoff.Policy{InitialDelay: time.Millisecond, MaxRetries: 2}
	e := newTestEnv(t, retry)
	e.createTask(t, "t6", "clarity-ai")
	ctx := context.Background()

	transient := func() *sandbox.TaskResponse {
		return &sandbox.TaskResponse{Failure: &sandbox.Failure{Transient: true, Message: "not listening"}}
	}

	e.runner.push(transient())
	if o := e.dispatcher.Handle(ctx, newTaskMsg("t6", "clarity-ai")); o != queue.OutcomeRetryable {
		t.Fatalf("first failure = %v, want Retryable", o)
	}

	time.Sleep(20 * time.Millisecond)
	raw, err := e.store.ClaimNextMessage(ctx, time.Minute)
	if err != nil || raw == nil {
		t.Fatalf("claim retry: %v, %v", raw, err)
	}
	retryMsg, _ := queue.Decode(raw.Payload)

	e.runner.push(transient())
	if o := e.dispatcher.Handle(ctx, retryMsg); o != queue.OutcomeFatal {
		t.Fatalf("exhausting failure = %v, want Fatal", o)
	}

	task, _ := e.store.GetTask(ctx, "t6")
	if task.Status != store.TaskStatusError {
		t.Errorf("status = %s, want error", task.Status)
	}
	if task.ErrorCategory != string(CategoryInfrastructureTransient) {
		t.Errorf("category = %s", task.ErrorCategory)
	}
	// No further retry message may exist.
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d after exhaustion, want 0", depth)
	}
}

func TestTimeoutIsTerminalNotRetried(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t7", "clarity-ai")
	ctx := context.Background()

	e.runner.push(&sandbox.TaskResponse{
		Failure: &sandbox.Failure{TimedOut: true, Message: "sandbox execution exceeded 15m0s"},
	})
	if o := e.dispatcher.Handle(ctx, newTaskMsg("t7", "clarity-ai")); o != queue.OutcomeFatal {
		t.Fatalf("outcome = %v, want Fatal", o)
	}
	task, _ := e.store.GetTask(ctx, "t7")
	if task.Status != store.TaskStatusError || task.ErrorCategory != string(CategoryTimeout) {
		t.Errorf("task = %s/%s, want error/timeout", task.Status, task.ErrorCategory)
	}
	if depth, _ := e.store.QueueDepth(ctx); depth != 0 {
		t.Error("timeouts must not schedule retries")
	}
}

func TestMissingCredentialsFailFastWithoutSandboxCall(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t8", "clarity-ai")
	e.dispatcher.credentials = func(provider string) (string, error) {
		return "", os.ErrNotExist
	}

	if o := e.dispatcher.Handle(context.Background(), newTaskMsg("t8", "clarity-ai")); o != queue.OutcomeFatal {
		t.Fatalf("outcome = %v, want Fatal", o)
	}
	if e.runner.callCount() != 0 {
		t.Error("validation errors must never reach the sandbox")
	}
	task, _ := e.store.GetTask(context.Background(), "t8")
	if task.ErrorCategory != string(CategoryValidation) {
		t.Errorf("category = %s, want validation_error", task.ErrorCategory)
	}
}

func TestSessionlessStrategyNeverGetsResumeState(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t9", "clarity-ai-opencode-openai")
	ctx := context.Background()

	// Even with a prior session on record, a sessionless backend starts fresh.
	blob, _ := session.Encode([]byte("old transcript\n"))
	if err := e.store.RecordSession(ctx, store.AgentSession{
		SessionID: "sess-old", TaskID: "t9", AgentType: "opencode",
		Blob: blob, ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("record session: %v", err)
	}

	if o := e.dispatcher.Handle(ctx, newTaskMsg("t9", "clarity-ai-opencode-openai")); o != queue.OutcomeOK {
		t.Fatalf("outcome = %v", o)
	}
	req := e.runner.lastRequest()
	if req.AgentType != "opencode" || req.Provider != "openai" {
		t.Fatalf("routing = %s/%s, want opencode/openai", req.AgentType, req.Provider)
	}
	if req.ResumeSessionID != "" || req.SessionBlob != "" {
		t.Errorf("sessionless backend received resume state: %+v", req)
	}
}

func TestSessionRestoreWritesTranscriptBeforeExecution(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t10", "clarity-ai")
	ctx := context.Background()

	raw := []byte(`{"role":"user","content":"round one"}` + "\n")
	blob, _ := session.Encode(raw)
	e.runner.push(&sandbox.TaskResponse{
		OK: true, NeedsClarification: true, SessionID: "sess-a", SessionBlob: blob, Attempts: 1,
	})
	if o := e.dispatcher.Handle(ctx, newTaskMsg("t10", "clarity-ai")); o != queue.OutcomeOK {
		t.Fatalf("round one = %v", o)
	}

	e.runner.push(&sandbox.TaskResponse{OK: true, SessionID: "sess-b", SessionBlob: blob, Attempts: 1})
	answer := queue.Message{Type: queue.KindClarificationAnswer, TaskID: "t10", Answer: "go ahead", ChatTimestamp: "300.1"}
	if o := e.dispatcher.Handle(ctx, answer); o != queue.OutcomeOK {
		t.Fatalf("round two = %v", o)
	}

	// The transcript must have been restored to the conventional path before
	// the backend ran.
	workDir := "/workspace/t10"
	transcript := session.TranscriptPath(e.projects, workDir, "sess-a")
	got, err := os.ReadFile(transcript)
	if err != nil {
		t.Fatalf("restored transcript missing: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("restored transcript differs: %q", got)
	}
}

func TestCancelNonTerminalTask(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t11", "clarity-ai")
	ctx := context.Background()

	cancelMsg := queue.Message{Type: queue.KindCancel, TaskID: "t11", Reason: "superseded"}
	if o := e.dispatcher.Handle(ctx, cancelMsg); o != queue.OutcomeOK {
		t.Fatalf("cancel = %v", o)
	}
	if got := e.status(t, "t11"); got != store.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}

	// A new-task message after cancel is stale: cancelled is terminal.
	if o := e.dispatcher.Handle(ctx, newTaskMsg("t11", "clarity-ai")); o != queue.OutcomeOK {
		t.Fatalf("post-cancel new task = %v", o)
	}
	if e.runner.callCount() != 0 {
		t.Error("cancelled task must not execute")
	}
}

func TestCancelTerminalTaskIsStale(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t12", "clarity-ai")
	ctx := context.Background()

	e.runner.push(&sandbox.TaskResponse{OK: true, Summary: "analysis written", SessionID: "s", Attempts: 1})
	if o := e.dispatcher.Handle(ctx, newTaskMsg("t12", "clarity-ai")); o != queue.OutcomeOK {
		t.Fatalf("new task = %v", o)
	}
	if got := e.status(t, "t12"); got != store.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}

	cancelMsg := queue.Message{Type: queue.KindCancel, TaskID: "t12", ChatTimestamp: "400.1"}
	if o := e.dispatcher.Handle(ctx, cancelMsg); o != queue.OutcomeOK {
		t.Fatalf("cancel = %v", o)
	}
	if got := e.status(t, "t12"); got != store.TaskStatusCompleted {
		t.Errorf("cancel of completed task changed status to %s", got)
	}
}

func TestWatchDeadLettersCountsEvents(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	metrics, err := otelpkg.NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	eventBus := bus.New()
	e.dispatcher.bus = eventBus
	e.dispatcher.metrics = metrics
	e.dispatcher.WatchDeadLetters(ctx)

	eventBus.Publish(bus.TopicQueueDeadLetter, bus.DeadLetterEvent{
		MessageID: "m1", TaskID: "t1", Kind: "task.new", Reason: store.DeadReasonMaxDeliveries,
	})

	deadline := time.After(2 * time.Second)
	for {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}
		if deadLetterCount(rm) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("dead-letter event never reached the counter")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func deadLetterCount(rm metricdata.ResourceMetrics) int64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "godispatch.queue.dead_letters" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				return 0
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

func TestCancelRacingFailureKeepsCancelledStatus(t *testing.T) {
	e := newTestEnv(t, backoff.Default())
	e.createTask(t, "t13", "clarity-ai")
	ctx := context.Background()

	if ok, err := e.store.TransitionStatus(ctx, "t13",
		[]store.TaskStatus{store.TaskStatusPending}, store.TaskStatusProcessing); err != nil || !ok {
		t.Fatalf("to processing: ok=%v err=%v", ok, err)
	}
	// The cancel lands while the failing execution is still in flight.
	if ok, err := e.store.TransitionStatus(ctx, "t13",
		[]store.TaskStatus{store.TaskStatusProcessing}, store.TaskStatusCancelled); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	eventBus := bus.New()
	e.dispatcher.bus = eventBus
	sub := eventBus.Subscribe(bus.TopicTaskFailed)
	defer eventBus.Unsubscribe(sub)

	task, err := e.store.GetTask(ctx, "t13")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	msg := newTaskMsg("t13", "clarity-ai")
	o := e.dispatcher.failTask(ctx, e.dispatcher.logger, msg, task,
		CategoryInfrastructureTransient, "sandbox unreachable", "")
	if o != queue.OutcomeOK {
		t.Fatalf("failTask outcome = %v, want OK", o)
	}

	if got := e.status(t, "t13"); got != store.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
	select {
	case ev := <-sub.Ch():
		t.Errorf("failed event published for a cancelled task: %+v", ev)
	default:
	}
}
