package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentBounty/internal/agent"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/observability/alerting"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *captureDispatcher) stages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Stage
	}
	return out
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	observer *countingObserver
	alerts   *captureDispatcher
}

func startHarness(t *testing.T, run func(ctx context.Context, req agent.Request) (*agent.Result, error), maxRetries int, opts ...ProcessorOption) *harness {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	registry := agent.NewRegistry(&stubAgent{kind: agent.TypeFactCheck, cost: 0.001, run: run})
	h := &harness{
		store:    store,
		observer: &countingObserver{},
		alerts:   &captureDispatcher{},
	}
	h.svc = NewService(store, queue, registry, Limits{MaxActive: 3, MaxRetries: maxRetries})

	opts = append([]ProcessorOption{
		WithWorkerCount(2),
		WithAlertDispatcher(h.alerts),
		WithProcessorObserver(h.observer),
	}, opts...)
	processor := NewProcessor(RegistryExecutor{Agents: registry}, store, queue, queue, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = queue.Close()
	})
	return h
}

func (h *harness) run(t *testing.T) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	created, err := h.svc.Create(ctx, "alice", agent.TypeFactCheck, factInput)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(ctx, "alice", created.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := h.svc.WaitUntilCompleted(ctx, created.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return done
}

func TestProcessorCompletesTask(t *testing.T) {
	h := startHarness(t, func(_ context.Context, req agent.Request) (*agent.Result, error) {
		if req.UserID != "alice" || req.Input.Summary() == "" {
			return nil, errors.New("unexpected request")
		}
		return &agent.Result{Content: "Verdict: TRUE", ActualCost: 0.001, Metadata: map[string]any{"verdict": "TRUE"}}, nil
	}, 2)

	done := h.run(t)
	if done.Status != StatusCompleted || done.Attempts != 1 {
		t.Fatalf("unexpected task %+v", done)
	}
	result, err := h.store.GetResult(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.ResultType != "text" || result.Content != "Verdict: TRUE" || result.Metadata["verdict"] != "TRUE" {
		t.Fatalf("unexpected result %+v", result)
	}
	if h.observer.count(string(StatusCompleted)) != 1 {
		t.Fatalf("expected completion to be observed")
	}
	if len(h.alerts.stages()) != 0 {
		t.Fatalf("no alerts expected, got %v", h.alerts.stages())
	}
}

func TestProcessorRetriesQuotaErrors(t *testing.T) {
	var calls int32
	h := startHarness(t, func(_ context.Context, _ agent.Request) (*agent.Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("429 RESOURCE_EXHAUSTED: quota")
		}
		return &agent.Result{Content: "ok", ActualCost: 0.001}, nil
	}, 2)

	done := h.run(t)
	if done.Status != StatusCompleted || done.Attempts != 2 {
		t.Fatalf("expected completion on second attempt, got %+v", done)
	}
	if done.Error != "" {
		t.Fatalf("error should be cleared on success, got %q", done.Error)
	}
	// Quota errors are retryable without alerting.
	if stages := h.alerts.stages(); len(stages) != 0 {
		t.Fatalf("unexpected alerts %v", stages)
	}
}

func TestProcessorExhaustsRetries(t *testing.T) {
	var calls int32
	h := startHarness(t, func(_ context.Context, _ agent.Request) (*agent.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("quota exceeded")
	}, 1)

	done := h.run(t)
	if done.Status != StatusFailed || done.Attempts != 2 {
		t.Fatalf("expected failure after two attempts, got %+v", done)
	}
	if done.Error != "API quota exceeded. Please try again in a few minutes." {
		t.Fatalf("unexpected error message %q", done.Error)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 executions, got %d", calls)
	}
	if stages := h.alerts.stages(); len(stages) != 1 || stages[0] != "terminal" {
		t.Fatalf("expected one terminal alert, got %v", stages)
	}
	if h.observer.count(string(StatusFailed)) != 1 {
		t.Fatalf("expected failure to be observed")
	}
}

func TestProcessorDoesNotRetryAuthErrors(t *testing.T) {
	var calls int32
	h := startHarness(t, func(_ context.Context, _ agent.Request) (*agent.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("401 authentication failed")
	}, 3)

	done := h.run(t)
	if done.Status != StatusFailed || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single failed attempt, got %+v after %d calls", done, calls)
	}
	if done.Error != "API authentication failed. Please check your API keys." {
		t.Fatalf("unexpected error message %q", done.Error)
	}
	if stages := h.alerts.stages(); len(stages) != 1 || stages[0] != "non_retryable" {
		t.Fatalf("expected non_retryable alert, got %v", stages)
	}
}

func TestProcessorTimesOut(t *testing.T) {
	h := startHarness(t, func(ctx context.Context, _ agent.Request) (*agent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 2, WithExecutionTimeout(20*time.Millisecond))

	done := h.run(t)
	if done.Status != StatusFailed || done.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("expected timeout failure, got %+v", done)
	}
	if done.Error != "Request timed out. Please try again with a simpler request." {
		t.Fatalf("unexpected error message %q", done.Error)
	}
}

func TestRegistryExecutorReportsProgress(t *testing.T) {
	registry := agent.NewRegistry(&stubAgent{kind: agent.TypeFactCheck, cost: 0.001, run: func(_ context.Context, req agent.Request) (*agent.Result, error) {
		req.Progress("checking claims")
		return &agent.Result{Content: "ok"}, nil
	}})
	var messages []string
	_, err := RegistryExecutor{Agents: registry}.Execute(context.Background(), &Task{
		ID:        "t",
		AgentType: agent.TypeFactCheck,
		InputData: factInput,
	}, func(msg string) { messages = append(messages, msg) })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{
		"Starting Stub factcheck...",
		"Stub factcheck is analyzing your request...",
		"checking claims",
		"Stub factcheck completed. Saving results...",
	}
	if len(messages) != len(want) {
		t.Fatalf("unexpected progress %v", messages)
	}
	for i := range want {
		if messages[i] != want[i] {
			t.Fatalf("progress[%d] = %q, want %q", i, messages[i], want[i])
		}
	}
}

func TestRequeueRunning(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, newTestTask(id, "alice"), 0); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	for _, id := range []string{"a", "c"} {
		if _, err := store.Start(ctx, id); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	count, err := RequeueRunning(ctx, store, producer)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if count != 2 || len(producer.published()) != 2 {
		t.Fatalf("expected 2 requeued tasks, got %d", count)
	}
}
