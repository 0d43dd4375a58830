package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/memstore"
	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/registry"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/core/internal/tasks"
	"assistant-orchestrator/core/internal/workflows"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/workflow"
)

type recordingQueue struct {
	mu    sync.Mutex
	items []models.WorkItem
	fail  bool
}

func (q *recordingQueue) Enqueue(_ context.Context, item models.WorkItem, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("queue unavailable")
	}
	q.items = append(q.items, item)
	return nil
}

func (q *recordingQueue) setFail(v bool) {
	q.mu.Lock()
	q.fail = v
	q.mu.Unlock()
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type delivery struct {
	userID  string
	text    string
	channel string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []delivery
}

func (n *recordingNotifier) Deliver(_ context.Context, userID string, text string, channelHint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, delivery{userID: userID, text: text, channel: channelHint})
}

func (n *recordingNotifier) all() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.sent...)
}

type panicClassifier struct{}

func (panicClassifier) Classify(context.Context, string) Classification { panic("boom") }

type fixture struct {
	router   *Router
	orch     *tasks.Orchestrator
	engine   *workflows.Engine
	store    *memstore.Store
	queue    *recordingQueue
	notifier *recordingNotifier
}

func newFixture(t *testing.T, classifier Classifier) fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	reg := registry.New(st, logx.Nop())
	for _, a := range []models.Agent{
		{Slug: "summarizer", Enabled: true, Capabilities: []string{"summarize"}, Keywords: []string{"tldr"}},
		{Slug: "researcher", Enabled: true, Capabilities: []string{"research"}},
	} {
		if _, err := reg.Register(ctx, a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	q := &recordingQueue{}
	orch := tasks.New(st, reg, q, nil, tasks.Config{MaxRetries: 1, Backoff: tasks.Exponential{Initial: time.Millisecond, Max: time.Millisecond}}, logx.Nop())
	n := &recordingNotifier{}
	eng := workflows.New(st, orch, n, nil, logx.Nop())
	if classifier == nil {
		table := KeywordTable{Rules: []KeywordRule{
			{Keywords: []string{"summarize", "summary"}, Capability: "summarize"},
			{Keywords: []string{"weather"}, Capability: "weather"},
			{Keywords: []string{"morning brief"}, Workflow: "brief"},
		}}
		classifier = NewKeywordClassifier(table, st, reg)
	}
	r := New(st, orch, eng, n, classifier, nil, Config{MaxDispatchAttempts: 3}, logx.Nop())
	orch.SetEmitter(r)
	return fixture{router: r, orch: orch, engine: eng, store: st, queue: q, notifier: n}
}

func message(text string) models.Event {
	return models.Event{
		ID:      uuid.New(),
		Type:    models.EventUserMessage,
		Channel: "telegram",
		UserID:  "u1",
		Payload: map[string]any{models.KeyText: text},
	}
}

func completion(taskID uuid.UUID, result map[string]any) models.Event {
	return models.Event{
		ID:      uuid.New(),
		Type:    models.EventTaskComplete,
		Payload: map[string]any{models.KeyTaskID: taskID.String(), models.KeyResult: result},
	}
}

func (f fixture) defineBrief(t *testing.T) {
	t.Helper()
	_, err := f.engine.Define(context.Background(), models.Workflow{
		Name: "brief",
		Steps: []models.WorkflowStep{
			{Position: 1, Name: "gather", Capability: "research"},
			{Position: 2, Name: "condense", Capability: "summarize", Input: map[string]any{"notes": "$prev.notes"}},
		},
	})
	if err != nil {
		t.Fatalf("define: %v", err)
	}
}

func TestMessageCreatesTaskAndMarksProcessed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	out, err := f.router.Submit(ctx, message("please summarize this thread"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusDispatched || out.Action != ActionTask || out.TaskID == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	task, err := f.orch.Get(ctx, *out.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.AgentSlug != "summarizer" || task.Status != workflow.TaskStatusPending {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Input[models.KeyText] != "please summarize this thread" {
		t.Fatalf("expected text in input, got %#v", task.Input)
	}
	if f.queue.count() != 1 {
		t.Fatalf("expected one enqueue, got %d", f.queue.count())
	}
	ev, err := f.store.GetEvent(ctx, out.EventID)
	if err != nil || !ev.Processed {
		t.Fatalf("expected processed event, got %+v err=%v", ev, err)
	}
}

func TestSubmitSameEventTwiceCreatesOneTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev := message("summary please")
	if _, err := f.router.Submit(ctx, ev); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	out, err := f.router.Submit(ctx, ev)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if out.Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", out)
	}
	all, _ := f.store.ListTasks(ctx, store.TaskFilter{})
	if len(all) != 1 {
		t.Fatalf("expected one task, got %d", len(all))
	}
}

func TestMalformedEventIsRejectedWithoutPersisting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev := message("")
	out, err := f.router.Submit(ctx, ev)
	if !errors.Is(err, models.ErrMalformedEvent) || out.Status != StatusRejected {
		t.Fatalf("expected malformed rejection, got %+v err=%v", out, err)
	}
	if _, err := f.store.GetEvent(ctx, ev.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected event not persisted, got %v", err)
	}
}

func TestUnmatchedMessageRepliesCannotHandle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	out, err := f.router.Submit(ctx, message("what is the weather"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusUnhandled {
		t.Fatalf("expected unhandled, got %+v", out)
	}
	sent := f.notifier.all()
	if len(sent) != 1 || sent[0].userID != "u1" || sent[0].channel != "telegram" {
		t.Fatalf("expected one reply, got %+v", sent)
	}
	ev, _ := f.store.GetEvent(ctx, out.EventID)
	if !ev.Processed {
		t.Fatalf("expected unhandled event to be processed")
	}
}

func TestCompletionRepliesOnceAndIgnoresDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	out, _ := f.router.Submit(ctx, message("tldr of the doc"))
	if out.TaskID == nil {
		t.Fatalf("expected task, got %+v", out)
	}
	done, err := f.router.Submit(ctx, completion(*out.TaskID, map[string]any{"text": "short version"}))
	if err != nil || done.Status != StatusDispatched {
		t.Fatalf("completion: %+v err=%v", done, err)
	}
	dup, err := f.router.Submit(ctx, completion(*out.TaskID, map[string]any{"text": "again"}))
	if err != nil || dup.Status != StatusIgnored {
		t.Fatalf("expected duplicate completion ignored, got %+v err=%v", dup, err)
	}
	sent := f.notifier.all()
	if len(sent) != 1 || sent[0].text != "short version" {
		t.Fatalf("expected a single reply, got %+v", sent)
	}
	task, _ := f.orch.Get(ctx, *out.TaskID)
	if task.Status != workflow.TaskStatusCompleted || task.Result["text"] != "short version" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestCompletionForUnknownTaskIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.router.Submit(context.Background(), completion(uuid.New(), nil))
	if err != nil || out.Status != StatusIgnored {
		t.Fatalf("expected ignored, got %+v err=%v", out, err)
	}
}

func TestRetryableFailureRequeuesThenFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	out, _ := f.router.Submit(ctx, message("summarize"))
	fail := func() Outcome {
		o, err := f.router.Submit(ctx, models.Event{
			ID:   uuid.New(),
			Type: models.EventTaskFailed,
			Payload: map[string]any{
				models.KeyTaskID:    out.TaskID.String(),
				models.KeyError:     "agent timeout",
				models.KeyRetryable: true,
			},
		})
		if err != nil {
			t.Fatalf("submit failure: %v", err)
		}
		return o
	}
	fail()
	task, _ := f.orch.Get(ctx, *out.TaskID)
	if task.Status != workflow.TaskStatusPending || task.RetryCount != 1 || f.queue.count() != 2 {
		t.Fatalf("expected retry, got %+v enqueued=%d", task, f.queue.count())
	}
	fail()
	task, _ = f.orch.Get(ctx, *out.TaskID)
	if task.Status != workflow.TaskStatusFailed {
		t.Fatalf("expected failed after retries, got %s", task.Status)
	}
	sent := f.notifier.all()
	if len(sent) != 1 || sent[0].text != "Sorry, that request failed: agent timeout" {
		t.Fatalf("expected one failure reply, got %+v", sent)
	}
}

func TestWorkflowRunsToCompletionThroughEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.defineBrief(t)
	ctx := context.Background()

	out, err := f.router.Submit(ctx, message("send my morning brief"))
	if err != nil || out.Action != ActionWorkflow || out.WorkflowInstanceID == nil || out.TaskID == nil {
		t.Fatalf("expected workflow start, got %+v err=%v", out, err)
	}
	if _, err := f.router.Submit(ctx, completion(*out.TaskID, map[string]any{"notes": "n1"})); err != nil {
		t.Fatalf("complete step 1: %v", err)
	}
	inst, err := f.engine.Get(ctx, *out.WorkflowInstanceID)
	if err != nil || inst.CurrentStep != 1 || inst.CurrentTaskID == nil {
		t.Fatalf("expected second step running, got %+v err=%v", inst, err)
	}
	second, _ := f.orch.Get(ctx, *inst.CurrentTaskID)
	if second.AgentSlug != "summarizer" || second.Input["notes"] != "n1" {
		t.Fatalf("unexpected second task: %+v", second)
	}
	if _, err := f.router.Submit(ctx, completion(second.ID, map[string]any{"summary": "all good"})); err != nil {
		t.Fatalf("complete step 2: %v", err)
	}
	inst, _ = f.engine.Get(ctx, inst.ID)
	if inst.Status != models.WorkflowStatusCompleted {
		t.Fatalf("expected completed workflow, got %s", inst.Status)
	}
	sent := f.notifier.all()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one notification, got %+v", sent)
	}
}

func TestRedeliveredCompletionResumesWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	f.defineBrief(t)
	ctx := context.Background()

	out, _ := f.router.Submit(ctx, message("morning brief"))
	// Complete the step with no emitter wired, as if the process died before advancing.
	f.orch.SetEmitter(nil)
	if _, err := f.orch.OnComplete(ctx, *out.TaskID, map[string]any{"notes": "n"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	f.orch.SetEmitter(f.router)

	dup, err := f.router.Submit(ctx, completion(*out.TaskID, map[string]any{"notes": "n"}))
	if err != nil || dup.Status != StatusIgnored {
		t.Fatalf("expected duplicate ignored, got %+v err=%v", dup, err)
	}
	inst, _ := f.engine.Get(ctx, *out.WorkflowInstanceID)
	if inst.CurrentStep != 1 || inst.CurrentTaskID == nil {
		t.Fatalf("expected workflow to advance, got %+v", inst)
	}

	again, _ := f.router.Submit(ctx, completion(*out.TaskID, map[string]any{"notes": "n"}))
	if again.Status != StatusIgnored {
		t.Fatalf("expected ignored, got %+v", again)
	}
	all, _ := f.store.ListTasks(ctx, store.TaskFilter{WorkflowInstanceID: out.WorkflowInstanceID})
	if len(all) != 2 {
		t.Fatalf("expected no extra step task, got %d", len(all))
	}
}

func TestNextStepEnqueueFailureIsRedriven(t *testing.T) {
	f := newFixture(t, nil)
	f.defineBrief(t)
	ctx := context.Background()

	out, err := f.router.Submit(ctx, message("morning brief"))
	if err != nil || out.WorkflowInstanceID == nil || out.TaskID == nil {
		t.Fatalf("expected workflow start, got %+v err=%v", out, err)
	}
	f.queue.setFail(true)
	done, err := f.router.Submit(ctx, completion(*out.TaskID, map[string]any{"notes": "n1"}))
	if err != nil {
		t.Fatalf("submit completion: %v", err)
	}
	if done.Status != StatusFailed || !errors.Is(done.Err, models.ErrOutcomeNotApplied) {
		t.Fatalf("expected failed dispatch, got %+v", done)
	}
	ev, _ := f.store.GetEvent(ctx, done.EventID)
	if ev.Processed {
		t.Fatalf("completion must stay unprocessed while the workflow has not advanced")
	}
	inst, _ := f.engine.Get(ctx, *out.WorkflowInstanceID)
	if inst.CurrentStep != 0 || inst.Status != models.WorkflowStatusRunning {
		t.Fatalf("expected instance on step 0, got %+v", inst)
	}

	f.queue.setFail(false)
	settled, err := f.router.Redrive(ctx, 10)
	if err != nil || settled != 1 {
		t.Fatalf("expected one settled, got %d err=%v", settled, err)
	}
	inst, _ = f.engine.Get(ctx, *out.WorkflowInstanceID)
	if inst.CurrentStep != 1 || inst.CurrentTaskID == nil {
		t.Fatalf("expected second step running, got %+v", inst)
	}
	second, _ := f.orch.Get(ctx, *inst.CurrentTaskID)
	if second.Input["notes"] != "n1" || second.Status != workflow.TaskStatusPending {
		t.Fatalf("unexpected second task: %+v", second)
	}
	all, _ := f.store.ListTasks(ctx, store.TaskFilter{WorkflowInstanceID: out.WorkflowInstanceID})
	if len(all) != 2 || f.queue.count() != 2 {
		t.Fatalf("expected the step task re-enqueued once, tasks=%d enqueued=%d", len(all), f.queue.count())
	}
	ev, _ = f.store.GetEvent(ctx, done.EventID)
	if !ev.Processed {
		t.Fatalf("expected completion processed after redrive")
	}
}

func TestCancellingStepTaskEndsWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	f.defineBrief(t)
	ctx := context.Background()

	out, _ := f.router.Submit(ctx, message("morning brief"))
	if _, err := f.orch.Cancel(ctx, *out.TaskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	inst, _ := f.engine.Get(ctx, *out.WorkflowInstanceID)
	if inst.Status != models.WorkflowStatusCancelled {
		t.Fatalf("expected cancelled workflow, got %s", inst.Status)
	}

	late, err := f.router.Submit(ctx, completion(*out.TaskID, map[string]any{"notes": "n"}))
	if err != nil || late.Status != StatusIgnored {
		t.Fatalf("expected late completion ignored, got %+v err=%v", late, err)
	}
	sent := f.notifier.all()
	if len(sent) != 1 || sent[0].userID != "u1" || sent[0].channel != "telegram" {
		t.Fatalf("expected one cancellation notice to the user, got %+v", sent)
	}
	all, _ := f.store.ListTasks(ctx, store.TaskFilter{WorkflowInstanceID: out.WorkflowInstanceID})
	if len(all) != 1 {
		t.Fatalf("cancelled workflow must not start another step, got %d tasks", len(all))
	}
}

func TestUnknownExplicitWorkflowRepliesCannotHandle(t *testing.T) {
	f := newFixture(t, nil)
	ev := message("run it")
	ev.Payload[models.KeyWorkflow] = "missing"
	out, err := f.router.Submit(context.Background(), ev)
	if err != nil || out.Status != StatusUnhandled {
		t.Fatalf("expected unhandled, got %+v err=%v", out, err)
	}
	if len(f.notifier.all()) != 1 {
		t.Fatalf("expected cannot-handle reply")
	}
}

func TestCronEventUsesBoundAgent(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.router.Submit(context.Background(), models.Event{
		ID:     uuid.New(),
		Type:   models.EventCron,
		UserID: "u1",
		Payload: map[string]any{
			models.KeyJobID: uuid.NewString(),
			models.KeyAgent: "researcher",
			models.KeyInput: map[string]any{"topic": "news"},
		},
	})
	if err != nil || out.Status != StatusDispatched || out.TaskID == nil {
		t.Fatalf("expected dispatched cron, got %+v err=%v", out, err)
	}
	task, _ := f.orch.Get(context.Background(), *out.TaskID)
	if task.AgentSlug != "researcher" || task.Input["topic"] != "news" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestCronWithoutTargetIsMalformed(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.router.Submit(context.Background(), models.Event{
		ID:      uuid.New(),
		Type:    models.EventCron,
		Payload: map[string]any{models.KeyJobID: "j1"},
	})
	if !errors.Is(err, models.ErrMalformedEvent) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestSystemTaskStartedMarksRunning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	out, _ := f.router.Submit(ctx, message("summarize"))
	started, err := f.router.Submit(ctx, models.Event{
		ID:   uuid.New(),
		Type: models.EventSystem,
		Payload: map[string]any{
			models.KeyAction: models.ActionTaskStarted,
			models.KeyTaskID: out.TaskID.String(),
		},
	})
	if err != nil || started.Status != StatusDispatched {
		t.Fatalf("expected started dispatched, got %+v err=%v", started, err)
	}
	task, _ := f.orch.Get(ctx, *out.TaskID)
	if task.Status != workflow.TaskStatusRunning {
		t.Fatalf("expected running, got %s", task.Status)
	}

	ack, _ := f.router.Submit(ctx, models.Event{ID: uuid.New(), Type: models.EventSystem, Payload: map[string]any{models.KeyAction: "heartbeat"}})
	if ack.Status != StatusIgnored || ack.Action != ActionAck {
		t.Fatalf("expected acknowledged, got %+v", ack)
	}
}

func TestRedriveRetriesFailedDispatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queue.setFail(true)
	out, err := f.router.Submit(ctx, message("summarize"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusFailed {
		t.Fatalf("expected failed dispatch, got %+v", out)
	}
	ev, _ := f.store.GetEvent(ctx, out.EventID)
	if ev.Processed || ev.DispatchAttempts != 1 {
		t.Fatalf("expected unprocessed event with one attempt, got %+v", ev)
	}

	f.queue.setFail(false)
	settled, err := f.router.Redrive(ctx, 10)
	if err != nil || settled != 1 {
		t.Fatalf("expected one settled, got %d err=%v", settled, err)
	}
	ev, _ = f.store.GetEvent(ctx, out.EventID)
	if !ev.Processed {
		t.Fatalf("expected processed after redrive")
	}
	all, _ := f.store.ListTasks(ctx, store.TaskFilter{})
	if len(all) != 1 || f.queue.count() != 1 {
		t.Fatalf("expected the same task re-enqueued, tasks=%d enqueued=%d", len(all), f.queue.count())
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	f := newFixture(t, panicClassifier{})
	out, err := f.router.Submit(context.Background(), message("anything"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusFailed || out.Err == nil {
		t.Fatalf("expected failed outcome, got %+v", out)
	}
}

func TestConcurrentDispatchOfSameEventRunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ev := message("summarize")
	ev.OccurredAt = time.Now().UTC()
	if _, _, err := f.store.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("create event: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.router.Dispatch(ctx, ev)
		}()
	}
	wg.Wait()
	if f.queue.count() != 1 {
		t.Fatalf("expected one enqueue, got %d", f.queue.count())
	}
}
