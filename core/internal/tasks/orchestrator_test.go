package tasks

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/memstore"
	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/registry"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/workflow"
)

type enqueued struct {
	item  models.WorkItem
	delay time.Duration
}

type recordingQueue struct {
	mu    sync.Mutex
	items []enqueued
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, item models.WorkItem, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, enqueued{item: item, delay: delay})
	return nil
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type recordingEmitter struct {
	mu        sync.Mutex
	completed []models.Task
	failed    []models.Task
	cancelled []models.Task
	err       error
}

func (e *recordingEmitter) TaskCompleted(_ context.Context, t models.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, t)
	return e.err
}

func (e *recordingEmitter) TaskFailed(_ context.Context, t models.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, t)
	return e.err
}

func (e *recordingEmitter) TaskCancelled(_ context.Context, t models.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, t)
	return e.err
}

func (e *recordingEmitter) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

type fixture struct {
	orch    *Orchestrator
	store   *memstore.Store
	queue   *recordingQueue
	emitter *recordingEmitter
}

func newFixture(t *testing.T, maxRetries int) fixture {
	t.Helper()
	st := memstore.New()
	reg := registry.New(st, logx.Nop())
	ctx := context.Background()
	for _, a := range []models.Agent{
		{Slug: "mailer", Enabled: true, Capabilities: []string{"email"}},
		{Slug: "searcher", Enabled: true, Capabilities: []string{"search"}},
		{Slug: "sleepy", Enabled: false, Capabilities: []string{"calendar"}},
	} {
		if _, err := reg.Register(ctx, a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	q := &recordingQueue{}
	em := &recordingEmitter{}
	o := New(st, reg, q, nil, Config{MaxRetries: maxRetries, Backoff: Exponential{Initial: time.Second, Max: time.Minute}}, logx.Nop())
	o.SetEmitter(em)
	return fixture{orch: o, store: st, queue: q, emitter: em}
}

func TestCreateWithoutCapableAgentPersistsNothing(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for _, req := range []CreateRequest{
		{Capability: "translate"},
		{Capability: "calendar"},
		{AgentSlug: "sleepy"},
		{AgentSlug: "mailer", Capability: "search"},
	} {
		if _, err := f.orch.Create(ctx, req); !errors.Is(err, models.ErrNoCapableAgent) {
			t.Fatalf("expected ErrNoCapableAgent for %+v, got %v", req, err)
		}
	}
	all, _ := f.store.ListTasks(ctx, store.TaskFilter{})
	if len(all) != 0 {
		t.Fatalf("expected no persisted tasks, got %d", len(all))
	}
	if f.queue.len() != 0 {
		t.Fatalf("expected nothing enqueued")
	}
}

func TestCreateResolvesHierarchicalCapability(t *testing.T) {
	f := newFixture(t, 3)
	task, err := f.orch.Create(context.Background(), CreateRequest{Capability: "email.send", UserID: "u1", Input: map[string]any{"to": "x"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.AgentSlug != "mailer" || task.Status != workflow.TaskStatusPending {
		t.Fatalf("unexpected task %+v", task)
	}
	if f.queue.len() != 1 || f.queue.items[0].item.TaskID != task.ID {
		t.Fatalf("expected task to be enqueued once")
	}
}

func TestCreateIsIdempotentByKey(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	req := CreateRequest{Capability: "search", IdempotencyKey: "event:abc"}
	first, err := f.orch.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.orch.Create(ctx, req)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same task, got %s and %s", first.ID, second.ID)
	}
	if f.queue.len() != 2 {
		t.Fatalf("pending task should be re-enqueued, got %d enqueues", f.queue.len())
	}

	if _, err := f.orch.OnComplete(ctx, first.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.orch.Create(ctx, req); err != nil {
		t.Fatalf("create after completion: %v", err)
	}
	if f.queue.len() != 2 {
		t.Fatalf("completed task must not be re-enqueued")
	}
}

func TestDuplicateCompletionIsNoop(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task, _ := f.orch.Create(ctx, CreateRequest{Capability: "search"})
	if _, err := f.orch.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := f.orch.OnComplete(ctx, task.ID, map[string]any{"r": 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.OnComplete(ctx, task.ID, map[string]any{"r": 99}); !errors.Is(err, models.ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := f.orch.Get(ctx, task.ID)
	if got.Status != workflow.TaskStatusCompleted || got.Result["r"] != 1 {
		t.Fatalf("task changed by duplicate: %+v", got)
	}
	if len(f.emitter.completed) != 1 {
		t.Fatalf("expected exactly one completion emission, got %d", len(f.emitter.completed))
	}
}

func TestCompletionFromPendingIsImplicitStart(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task, _ := f.orch.Create(ctx, CreateRequest{Capability: "search"})
	got, err := f.orch.OnComplete(ctx, task.ID, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != workflow.TaskStatusCompleted || got.Result == nil {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestRetryableFailureRetriesUntilCeiling(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	task, _ := f.orch.Create(ctx, CreateRequest{Capability: "search"})

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := f.orch.MarkRunning(ctx, task.ID); err != nil {
			t.Fatalf("mark running: %v", err)
		}
		got, err := f.orch.OnFail(ctx, task.ID, "timeout", true)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if got.Status != workflow.TaskStatusPending || got.RetryCount != attempt {
			t.Fatalf("attempt %d: expected pending with retry %d, got %s/%d", attempt, attempt, got.Status, got.RetryCount)
		}
		last := f.queue.items[len(f.queue.items)-1]
		want := time.Duration(1<<(attempt-1)) * time.Second
		if last.delay != want || last.item.Attempt != attempt {
			t.Fatalf("attempt %d: expected delay %s, got %s (attempt %d)", attempt, want, last.delay, last.item.Attempt)
		}
	}

	if _, err := f.orch.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := f.orch.OnFail(ctx, task.ID, "timeout", true)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if got.Status != workflow.TaskStatusFailed || got.RetryCount != 2 {
		t.Fatalf("expected failed at ceiling, got %s/%d", got.Status, got.RetryCount)
	}
	enqueues := f.queue.len()
	if _, err := f.orch.OnFail(ctx, task.ID, "timeout", true); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected no further retries, got %v", err)
	}
	if f.queue.len() != enqueues {
		t.Fatalf("failed task was re-enqueued")
	}
	if len(f.emitter.failed) != 1 {
		t.Fatalf("expected one failure emission, got %d", len(f.emitter.failed))
	}
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	task, _ := f.orch.Create(ctx, CreateRequest{Capability: "search"})
	got, err := f.orch.OnFail(ctx, task.ID, "bad input", false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Status != workflow.TaskStatusFailed || got.RetryCount != 0 || got.Error != "bad input" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestRetryEnqueueFailureFailsTask(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task, _ := f.orch.Create(ctx, CreateRequest{Capability: "search"})
	f.queue.err = errors.New("redis down")
	got, err := f.orch.OnFail(ctx, task.ID, "timeout", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Status != workflow.TaskStatusFailed {
		t.Fatalf("expected failed task, got %s", got.Status)
	}
	if len(f.emitter.failed) != 1 {
		t.Fatalf("expected failure emission")
	}
}

func TestCancelledTaskIgnoresCallbacks(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task, _ := f.orch.Create(ctx, CreateRequest{Capability: "search"})
	if _, err := f.orch.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.orch.OnComplete(ctx, task.ID, map[string]any{"x": 1}); !errors.Is(err, models.ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
	if _, err := f.orch.OnFail(ctx, task.ID, "x", true); !errors.Is(err, models.ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
	got, _ := f.orch.Get(ctx, task.ID)
	if got.Status != workflow.TaskStatusCancelled || got.Result != nil {
		t.Fatalf("cancelled task changed: %+v", got)
	}
	if len(f.emitter.completed)+len(f.emitter.failed) != 0 {
		t.Fatalf("cancelled task must not emit")
	}
}

func TestEmitFailureIsReportedAndTaskStaysTerminal(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task, _ := f.orch.Create(ctx, CreateRequest{Capability: "search"})
	f.emitter.setErr(errors.New("workflow store unavailable"))

	got, err := f.orch.OnComplete(ctx, task.ID, map[string]any{"r": 1})
	if !errors.Is(err, models.ErrOutcomeNotApplied) {
		t.Fatalf("expected ErrOutcomeNotApplied, got %v", err)
	}
	if got.Status != workflow.TaskStatusCompleted {
		t.Fatalf("expected completed task, got %s", got.Status)
	}
	f.emitter.setErr(nil)
	if _, err := f.orch.OnComplete(ctx, task.ID, map[string]any{"r": 1}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on redelivery, got %v", err)
	}
}

func TestCancelWorkflowTaskNotifiesEmitter(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	instanceID := uuid.New()
	task, err := f.orch.Create(ctx, CreateRequest{Capability: "search", WorkflowInstanceID: &instanceID, IdempotencyKey: "wf:" + instanceID.String() + ":0"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.emitter.setErr(errors.New("workflow store unavailable"))
	if _, err := f.orch.Cancel(ctx, task.ID); !errors.Is(err, models.ErrOutcomeNotApplied) {
		t.Fatalf("expected ErrOutcomeNotApplied, got %v", err)
	}
	f.emitter.setErr(nil)
	if _, err := f.orch.Cancel(ctx, task.ID); !errors.Is(err, models.ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
	if len(f.emitter.cancelled) != 2 {
		t.Fatalf("expected the cancellation to be offered again, got %d", len(f.emitter.cancelled))
	}
	if f.emitter.cancelled[1].ID != task.ID {
		t.Fatalf("unexpected cancelled task %+v", f.emitter.cancelled[1])
	}
}

func TestUnknownTask(t *testing.T) {
	f := newFixture(t, 3)
	if _, err := f.orch.OnComplete(context.Background(), uuid.New(), nil); !errors.Is(err, models.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := Exponential{Initial: time.Second, Max: 10 * time.Second}
	cases := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second, 5: 10 * time.Second, 200: 10 * time.Second, 5000: 10 * time.Second}
	for attempt, want := range cases {
		if got := b.Delay(attempt); got != want {
			t.Fatalf("Delay(%d) = %s, want %s", attempt, got, want)
		}
	}

	uncapped := Exponential{Initial: time.Second}
	if got := uncapped.Delay(3); got != 4*time.Second {
		t.Fatalf("uncapped Delay(3) = %s", got)
	}
	for _, attempt := range []int{64, 100, 5000} {
		if got := uncapped.Delay(attempt); got != time.Duration(math.MaxInt64) {
			t.Fatalf("uncapped Delay(%d) = %s, want the largest duration", attempt, got)
		}
	}
}
