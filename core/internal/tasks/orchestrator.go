// Package tasks owns the Task lifecycle: agent resolution at creation, queue
// submission, and completion, failure and retry handling.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/shared/lockx"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
	"assistant-orchestrator/shared/workflow"
)

// Queue submits work to the durable queue. Implementations must not block on execution.
type Queue interface {
	Enqueue(ctx context.Context, item models.WorkItem, delay time.Duration) error
}

type AgentResolver interface {
	Find(capability string) []models.Agent
	Get(slug string) (models.Agent, error)
}

// Emitter receives terminal task outcomes. An error means the outcome was recorded on
// the task but not applied downstream; callers surface it as ErrOutcomeNotApplied.
type Emitter interface {
	TaskCompleted(ctx context.Context, task models.Task) error
	TaskFailed(ctx context.Context, task models.Task) error
	TaskCancelled(ctx context.Context, task models.Task) error
}

// Recorder receives terminal outcomes for telemetry. Errors are logged only.
type Recorder interface {
	RecordTask(ctx context.Context, task models.Task) error
}

type Config struct {
	MaxRetries int
	Backoff    Backoff
}

type CreateRequest struct {
	Input              map[string]any
	Capability         string
	AgentSlug          string
	UserID             string
	EventID            *uuid.UUID
	Channel            string
	WorkflowInstanceID *uuid.UUID
	StepIndex          int
	IdempotencyKey     string
}

type Orchestrator struct {
	tasks    store.TaskStore
	agents   AgentResolver
	queue    Queue
	locker   lockx.Locker
	cfg      Config
	logger   logx.Logger
	now      func() time.Time
	mu       sync.RWMutex
	emitter  Emitter
	recorder Recorder
}

func New(tasks store.TaskStore, agents AgentResolver, queue Queue, locker lockx.Locker, cfg Config, logger logx.Logger) *Orchestrator {
	if cfg.Backoff == nil {
		cfg.Backoff = Exponential{Initial: time.Second, Max: time.Minute}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if locker == nil {
		locker = lockx.NewKeyed()
	}
	return &Orchestrator{
		tasks:  tasks,
		agents: agents,
		queue:  queue,
		locker: locker,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "tasks")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetEmitter wires the outcome sink after construction; the router and the
// orchestrator depend on each other.
func (o *Orchestrator) SetEmitter(e Emitter) {
	o.mu.Lock()
	o.emitter = e
	o.mu.Unlock()
}

func (o *Orchestrator) SetRecorder(r Recorder) {
	o.mu.Lock()
	o.recorder = r
	o.mu.Unlock()
}

// Create resolves an agent, persists the task as PENDING and enqueues it. Nothing is
// persisted when no enabled agent supports the request. A request whose idempotency key
// matches an existing PENDING task re-enqueues that task instead of creating another.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (models.Task, error) {
	agent, err := o.resolve(req)
	if err != nil {
		return models.Task{}, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	task := models.Task{
		ID:                 uuid.New(),
		UserID:             req.UserID,
		AgentSlug:          agent.Slug,
		Capability:         models.NormalizeCapability(req.Capability),
		Status:             workflow.TaskStatusPending,
		Input:              input,
		EventID:            req.EventID,
		Channel:            req.Channel,
		IdempotencyKey:     key,
		WorkflowInstanceID: req.WorkflowInstanceID,
		StepIndex:          req.StepIndex,
	}

	stored, created, err := o.tasks.CreateTask(ctx, task)
	if err != nil {
		return models.Task{}, fmt.Errorf("persist task: %w", err)
	}
	if !created && stored.Status != workflow.TaskStatusPending {
		return stored, nil
	}
	if err := o.enqueue(ctx, stored, 0); err != nil {
		return stored, err
	}
	if created {
		metricsx.IncTaskTransition(workflow.TaskStatusPending)
	}
	o.logger.Info(ctx, "task_created", "task enqueued",
		slog.String("task_id", stored.ID.String()),
		slog.String("agent", stored.AgentSlug),
		slog.String("capability", stored.Capability),
		slog.Bool("created", created),
	)
	return stored, nil
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (models.Task, error) {
	t, err := o.tasks.GetTask(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return models.Task{}, fmt.Errorf("%w: %s", models.ErrUnknownTask, id)
	}
	return t, err
}

func (o *Orchestrator) List(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	return o.tasks.ListTasks(ctx, f)
}

// MarkRunning records that a worker picked the task up. Repeated reports are no-ops.
func (o *Orchestrator) MarkRunning(ctx context.Context, id uuid.UUID) (models.Task, error) {
	return o.transition(ctx, id, func(t *models.Task) (bool, error) {
		switch t.Status {
		case workflow.TaskStatusRunning:
			return false, nil
		case workflow.TaskStatusPending:
			now := o.now()
			t.Status = workflow.TaskStatusRunning
			t.StartedAt = &now
			return true, nil
		}
		return false, nil
	})
}

// OnComplete moves a RUNNING (or PENDING, when the started report was lost) task to
// COMPLETED and emits it. Terminal tasks yield ErrInvalidTransition and are left untouched.
func (o *Orchestrator) OnComplete(ctx context.Context, id uuid.UUID, result map[string]any) (models.Task, error) {
	if result == nil {
		result = map[string]any{}
	}
	task, err := o.transition(ctx, id, func(t *models.Task) (bool, error) {
		now := o.now()
		t.Status = workflow.TaskStatusCompleted
		t.Result = result
		t.Error = ""
		t.FinishedAt = &now
		return true, nil
	})
	if err != nil {
		return task, err
	}
	return task, o.finish(ctx, task)
}

// OnFail retries a retryable failure while RetryCount < MaxRetries, moving the task back to
// PENDING with one more retry and a backoff delay. Otherwise the task becomes FAILED.
func (o *Orchestrator) OnFail(ctx context.Context, id uuid.UUID, reason string, retryable bool) (models.Task, error) {
	var retried bool
	task, err := o.transition(ctx, id, func(t *models.Task) (bool, error) {
		now := o.now()
		t.Error = reason
		if retryable && t.RetryCount < o.cfg.MaxRetries {
			t.Status = workflow.TaskStatusPending
			t.RetryCount++
			t.StartedAt = nil
			retried = true
			return true, nil
		}
		t.Status = workflow.TaskStatusFailed
		t.FinishedAt = &now
		return true, nil
	})
	if err != nil {
		return task, err
	}
	if !retried {
		return task, o.finish(ctx, task)
	}

	delay := o.cfg.Backoff.Delay(task.RetryCount)
	if err := o.enqueue(ctx, task, delay); err != nil {
		o.logger.Error(ctx, "task_retry_enqueue_failed", "retry could not be enqueued; failing task",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()),
		)
		task, err = o.transition(ctx, id, func(t *models.Task) (bool, error) {
			if t.Status != workflow.TaskStatusPending {
				return false, nil
			}
			now := o.now()
			t.Status = workflow.TaskStatusFailed
			t.Error = reason + "; retry enqueue failed"
			t.FinishedAt = &now
			return true, nil
		})
		if err == nil && task.Status == workflow.TaskStatusFailed {
			err = o.finish(ctx, task)
		}
		return task, err
	}
	o.logger.Warn(ctx, "task_retry_scheduled", "task will be retried",
		slog.String("task_id", task.ID.String()),
		slog.Int("retry_count", task.RetryCount),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
	)
	return task, nil
}

// Cancel moves a non-terminal task to CANCELLED and stops its workflow, if any. Later
// callbacks for it are no-ops. Cancelling an already cancelled workflow task re-offers
// the cancellation to its workflow and still returns ErrTaskCancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (models.Task, error) {
	task, err := o.transition(ctx, id, func(t *models.Task) (bool, error) {
		now := o.now()
		t.Status = workflow.TaskStatusCancelled
		t.FinishedAt = &now
		return true, nil
	})
	if errors.Is(err, models.ErrTaskCancelled) && task.InWorkflow() {
		if ferr := o.emit(ctx, task); ferr != nil {
			return task, ferr
		}
		return task, err
	}
	if err != nil {
		return task, err
	}
	return task, o.finish(ctx, task)
}

// transition applies fn to the task under its lock. Cancelled and terminal tasks are
// rejected before fn runs, except that MarkRunning on RUNNING is handled by fn itself.
func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, fn func(*models.Task) (bool, error)) (models.Task, error) {
	unlock, err := o.locker.Lock(ctx, "task:"+id.String())
	if err != nil {
		return models.Task{}, err
	}
	defer unlock()

	task, err := o.Get(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status == workflow.TaskStatusCancelled {
		return task, fmt.Errorf("%w: %s", models.ErrTaskCancelled, id)
	}
	if task.Terminal() {
		return task, fmt.Errorf("%w: task %s is %s", models.ErrInvalidTransition, id, task.Status)
	}

	from := task.Status
	changed, err := fn(&task)
	if err != nil || !changed {
		return task, err
	}
	if from != task.Status && !workflow.CanTransition(from, task.Status) {
		return task, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, task.Status)
	}
	if err := o.tasks.UpdateTask(ctx, task); err != nil {
		return task, fmt.Errorf("update task: %w", err)
	}
	metricsx.IncTaskTransition(task.Status)
	o.logger.Info(ctx, "task_transition", "task status changed",
		slog.String("task_id", task.ID.String()),
		slog.String("from", from),
		slog.String("to", task.Status),
		slog.String("event_type", workflow.EventTypeForTransition(from, task.Status)),
	)
	return task, nil
}

func (o *Orchestrator) resolve(req CreateRequest) (models.Agent, error) {
	capability := models.NormalizeCapability(req.Capability)
	if slug := strings.TrimSpace(req.AgentSlug); slug != "" {
		agent, err := o.agents.Get(slug)
		if err != nil {
			return models.Agent{}, fmt.Errorf("%w: %v", models.ErrNoCapableAgent, err)
		}
		if capability != "" && !agent.Supports(capability) {
			return models.Agent{}, fmt.Errorf("%w: agent %q does not support %q", models.ErrNoCapableAgent, agent.Slug, capability)
		}
		return agent, nil
	}
	if capability == "" {
		return models.Agent{}, fmt.Errorf("%w: no capability or agent requested", models.ErrNoCapableAgent)
	}
	for _, agent := range o.agents.Find(capability) {
		if agent.Supports(capability) {
			return agent, nil
		}
	}
	return models.Agent{}, fmt.Errorf("%w: %q", models.ErrNoCapableAgent, capability)
}

func (o *Orchestrator) enqueue(ctx context.Context, t models.Task, delay time.Duration) error {
	item := models.WorkItem{
		TaskID:     t.ID,
		AgentSlug:  t.AgentSlug,
		Capability: t.Capability,
		UserID:     t.UserID,
		Channel:    t.Channel,
		Input:      t.Input,
		Attempt:    t.RetryCount,
	}
	if err := o.queue.Enqueue(ctx, item, delay); err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// finish records and emits a terminal outcome outside the task lock.
func (o *Orchestrator) finish(ctx context.Context, t models.Task) error {
	o.mu.RLock()
	recorder := o.recorder
	o.mu.RUnlock()

	if recorder != nil {
		if err := recorder.RecordTask(ctx, t); err != nil {
			o.logger.Warn(ctx, "task_record_failed", "failed to record task outcome",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return o.emit(ctx, t)
}

func (o *Orchestrator) emit(ctx context.Context, t models.Task) error {
	o.mu.RLock()
	emitter := o.emitter
	o.mu.RUnlock()
	if emitter == nil {
		return nil
	}
	var err error
	switch t.Status {
	case workflow.TaskStatusCompleted:
		err = emitter.TaskCompleted(ctx, t)
	case workflow.TaskStatusFailed:
		err = emitter.TaskFailed(ctx, t)
	case workflow.TaskStatusCancelled:
		err = emitter.TaskCancelled(ctx, t)
	}
	if err != nil {
		return fmt.Errorf("%w: task %s %s: %w", models.ErrOutcomeNotApplied, t.ID, t.Status, err)
	}
	return nil
}
