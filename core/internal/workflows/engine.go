// Package workflows runs multi-step workflows. Each step executes as one task and
// the next step starts only after the current step's task completes.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/core/internal/tasks"
	"assistant-orchestrator/shared/lockx"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
)

// instanceNamespace derives instance ids from (workflow, event) so a redelivered
// trigger resumes the same instance.
var instanceNamespace = uuid.MustParse("6f1f0b8e-3c8a-4c53-9d0e-7a0c2b3e9f41")

type TaskService interface {
	Create(ctx context.Context, req tasks.CreateRequest) (models.Task, error)
	Cancel(ctx context.Context, id uuid.UUID) (models.Task, error)
}

type Notifier interface {
	Deliver(ctx context.Context, userID string, text string, channelHint string)
}

type StartOptions struct {
	UserID  string
	Channel string
	EventID *uuid.UUID
}

type Engine struct {
	store    store.WorkflowStore
	tasks    TaskService
	notifier Notifier
	locker   lockx.Locker
	logger   logx.Logger
	now      func() time.Time
}

type notice struct {
	userID  string
	channel string
	text    string
}

func New(workflowStore store.WorkflowStore, taskService TaskService, notifier Notifier, locker lockx.Locker, logger logx.Logger) *Engine {
	if locker == nil {
		locker = lockx.NewKeyed()
	}
	return &Engine{
		store:    workflowStore,
		tasks:    taskService,
		notifier: notifier,
		locker:   locker,
		logger:   logger.With(slog.String("component", "workflows")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Define validates and stores a workflow definition, replacing one with the same name.
func (e *Engine) Define(ctx context.Context, wf models.Workflow) (models.Workflow, error) {
	wf.Name = strings.TrimSpace(wf.Name)
	if err := wf.Validate(); err != nil {
		return models.Workflow{}, err
	}
	wf.Steps = wf.OrderedSteps()
	return e.store.UpsertWorkflow(ctx, wf)
}

func (e *Engine) Lookup(ctx context.Context, name string) (models.Workflow, error) {
	wf, err := e.store.GetWorkflowByName(ctx, name)
	if errors.Is(err, models.ErrNotFound) {
		return models.Workflow{}, fmt.Errorf("%w: %q", models.ErrUnknownWorkflow, name)
	}
	return wf, err
}

func (e *Engine) StartByName(ctx context.Context, name string, input map[string]any, opts StartOptions) (models.WorkflowInstance, error) {
	wf, err := e.Lookup(ctx, name)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	return e.Start(ctx, wf, input, opts)
}

// Start creates a RUNNING instance at step 0 and creates the first step's task. When
// that task cannot be created the instance is marked FAILED and the user notified.
func (e *Engine) Start(ctx context.Context, wf models.Workflow, input map[string]any, opts StartOptions) (models.WorkflowInstance, error) {
	if err := wf.Validate(); err != nil {
		return models.WorkflowInstance{}, err
	}
	if input == nil {
		input = map[string]any{}
	}
	id := uuid.New()
	if opts.EventID != nil {
		id = uuid.NewSHA1(instanceNamespace, []byte(wf.Name+":"+opts.EventID.String()))
	}
	inst := models.WorkflowInstance{
		ID:           id,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       models.WorkflowStatusRunning,
		Steps:        wf.OrderedSteps(),
		Input:        models.CloneMap(input),
		UserID:       opts.UserID,
		Channel:      opts.Channel,
		EventID:      opts.EventID,
	}

	return e.withInstanceLock(ctx, id, func() (models.WorkflowInstance, *notice, error) {
		stored, created, err := e.store.CreateInstance(ctx, inst)
		if err != nil {
			return models.WorkflowInstance{}, nil, fmt.Errorf("create workflow instance: %w", err)
		}
		if !created && (stored.Terminal() || stored.CurrentTaskID != nil) {
			return stored, nil, nil
		}
		if created {
			metricsx.IncWorkflowInstance(models.WorkflowStatusRunning)
			e.logger.Info(ctx, "workflow_started", "workflow instance started",
				slog.String("workflow", wf.Name),
				slog.String("instance_id", stored.ID.String()),
				slog.Int("steps", len(stored.Steps)),
			)
		}
		first := BuildStepInput(stored.Steps[0].Input, stored.Input, stored.Input)
		return e.startStep(ctx, stored, 0, first)
	})
}

// Advance applies the completion of the current step's task. Completions for any other
// task, or for an instance that is no longer running, are ignored with ErrStaleCompletion.
func (e *Engine) Advance(ctx context.Context, instanceID uuid.UUID, taskID uuid.UUID, result map[string]any) (models.WorkflowInstance, error) {
	return e.withInstanceLock(ctx, instanceID, func() (models.WorkflowInstance, *notice, error) {
		inst, err := e.current(ctx, instanceID, taskID)
		if err != nil {
			return inst, nil, err
		}
		if result == nil {
			result = map[string]any{}
		}
		inst.LastOutput = models.CloneMap(result)

		next := inst.CurrentStep + 1
		if next < len(inst.Steps) {
			return e.startStep(ctx, inst, next, BuildStepInput(inst.Steps[next].Input, result, inst.Input))
		}

		now := e.now()
		inst.Status = models.WorkflowStatusCompleted
		inst.FinishedAt = &now
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return inst, nil, fmt.Errorf("update workflow instance: %w", err)
		}
		metricsx.IncWorkflowInstance(models.WorkflowStatusCompleted)
		e.logger.Info(ctx, "workflow_completed", "workflow instance completed",
			slog.String("workflow", inst.WorkflowName),
			slog.String("instance_id", inst.ID.String()),
		)
		return inst, &notice{
			userID:  inst.UserID,
			channel: inst.Channel,
			text:    fmt.Sprintf("Workflow %q completed: %s", inst.WorkflowName, models.ResultText(result)),
		}, nil
	})
}

// Fail marks the instance FAILED when the current step's task failed. No compensation runs.
func (e *Engine) Fail(ctx context.Context, instanceID uuid.UUID, taskID uuid.UUID, reason string) (models.WorkflowInstance, error) {
	return e.withInstanceLock(ctx, instanceID, func() (models.WorkflowInstance, *notice, error) {
		inst, err := e.current(ctx, instanceID, taskID)
		if err != nil {
			return inst, nil, err
		}
		return e.markFailed(ctx, inst, fmt.Sprintf("step %d failed: %s", inst.CurrentStep, reason))
	})
}

// Cancel stops a running instance, then cancels its current task outside the instance lock.
func (e *Engine) Cancel(ctx context.Context, instanceID uuid.UUID) (models.WorkflowInstance, error) {
	var taskID *uuid.UUID
	inst, err := e.withInstanceLock(ctx, instanceID, func() (models.WorkflowInstance, *notice, error) {
		inst, err := e.Get(ctx, instanceID)
		if err != nil {
			return inst, nil, err
		}
		if inst.Terminal() {
			return inst, nil, fmt.Errorf("%w: workflow instance %s is %s", models.ErrInvalidTransition, instanceID, inst.Status)
		}
		taskID = inst.CurrentTaskID
		return e.markCancelled(ctx, inst, "")
	})
	if err != nil || taskID == nil {
		return inst, err
	}
	_, err = e.tasks.Cancel(ctx, *taskID)
	if err != nil && !errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, models.ErrTaskCancelled) {
		return inst, fmt.Errorf("cancel current task: %w", err)
	}
	return inst, nil
}

// CancelStep cancels the instance because its current step's task was cancelled and
// tells the user. Cancellations of any other task yield ErrStaleCompletion.
func (e *Engine) CancelStep(ctx context.Context, instanceID uuid.UUID, taskID uuid.UUID) (models.WorkflowInstance, error) {
	return e.withInstanceLock(ctx, instanceID, func() (models.WorkflowInstance, *notice, error) {
		inst, err := e.current(ctx, instanceID, taskID)
		if err != nil {
			return inst, nil, err
		}
		return e.markCancelled(ctx, inst, fmt.Sprintf("step %d (%s) was cancelled", inst.CurrentStep, stepLabel(inst.Steps[inst.CurrentStep])))
	})
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (models.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return models.WorkflowInstance{}, fmt.Errorf("%w: instance %s", models.ErrUnknownWorkflow, id)
	}
	return inst, err
}

func (e *Engine) Definitions(ctx context.Context) ([]models.Workflow, error) {
	return e.store.ListWorkflows(ctx)
}

// Instances lists instances, newest first; an empty status matches every status.
func (e *Engine) Instances(ctx context.Context, status string, limit int) ([]models.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, status, limit)
}

func (e *Engine) current(ctx context.Context, instanceID uuid.UUID, taskID uuid.UUID) (models.WorkflowInstance, error) {
	inst, err := e.Get(ctx, instanceID)
	if err != nil {
		return inst, err
	}
	if inst.Status != models.WorkflowStatusRunning || inst.CurrentTaskID == nil || *inst.CurrentTaskID != taskID {
		current := ""
		if inst.CurrentTaskID != nil {
			current = inst.CurrentTaskID.String()
		}
		e.logger.Warn(ctx, "workflow_stale_completion", "ignoring outcome for a task that is not the current step",
			slog.String("instance_id", instanceID.String()),
			slog.String("task_id", taskID.String()),
			slog.String("current_task_id", current),
			slog.String("status", inst.Status),
		)
		return inst, fmt.Errorf("%w: task %s for instance %s", models.ErrStaleCompletion, taskID, instanceID)
	}
	return inst, nil
}

// startStep creates the task for step idx and points the instance at it.
func (e *Engine) startStep(ctx context.Context, inst models.WorkflowInstance, idx int, input map[string]any) (models.WorkflowInstance, *notice, error) {
	step := inst.Steps[idx]
	instanceID := inst.ID
	task, err := e.tasks.Create(ctx, tasks.CreateRequest{
		Input:              input,
		Capability:         step.Capability,
		AgentSlug:          step.AgentSlug,
		UserID:             inst.UserID,
		EventID:            inst.EventID,
		Channel:            inst.Channel,
		WorkflowInstanceID: &instanceID,
		StepIndex:          idx,
		IdempotencyKey:     fmt.Sprintf("wf:%s:%d", inst.ID, idx),
	})
	if err != nil && !errors.Is(err, models.ErrNoCapableAgent) {
		// Transient: leave the instance where it is so a redelivered trigger retries the step.
		return inst, nil, fmt.Errorf("start step %d: %w", idx, err)
	}
	if err != nil {
		inst.CurrentStep = idx
		failed, note, uerr := e.markFailed(ctx, inst, fmt.Sprintf("step %d (%s) could not start: %v", idx, stepLabel(step), err))
		if uerr != nil {
			return failed, note, uerr
		}
		return failed, note, fmt.Errorf("%w: step %d: %w", models.ErrWorkflowStepFailure, idx, err)
	}

	inst.CurrentStep = idx
	inst.CurrentTaskID = &task.ID
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return inst, nil, fmt.Errorf("update workflow instance: %w", err)
	}
	e.logger.Info(ctx, "workflow_step_started", "workflow step task created",
		slog.String("instance_id", inst.ID.String()),
		slog.Int("step", idx),
		slog.String("step_name", step.Name),
		slog.String("task_id", task.ID.String()),
	)
	return inst, nil, nil
}

// markCancelled notifies the user only when reason is set.
func (e *Engine) markCancelled(ctx context.Context, inst models.WorkflowInstance, reason string) (models.WorkflowInstance, *notice, error) {
	now := e.now()
	inst.Status = models.WorkflowStatusCancelled
	inst.Error = reason
	inst.FinishedAt = &now
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return inst, nil, fmt.Errorf("update workflow instance: %w", err)
	}
	metricsx.IncWorkflowInstance(models.WorkflowStatusCancelled)
	e.logger.Info(ctx, "workflow_cancelled", "workflow instance cancelled",
		slog.String("instance_id", inst.ID.String()),
		slog.String("reason", reason),
	)
	if reason == "" {
		return inst, nil, nil
	}
	return inst, &notice{
		userID:  inst.UserID,
		channel: inst.Channel,
		text:    fmt.Sprintf("Workflow %q cancelled: %s", inst.WorkflowName, reason),
	}, nil
}

func (e *Engine) markFailed(ctx context.Context, inst models.WorkflowInstance, reason string) (models.WorkflowInstance, *notice, error) {
	now := e.now()
	inst.Status = models.WorkflowStatusFailed
	inst.Error = reason
	inst.FinishedAt = &now
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return inst, nil, fmt.Errorf("update workflow instance: %w", err)
	}
	metricsx.IncWorkflowInstance(models.WorkflowStatusFailed)
	e.logger.Warn(ctx, "workflow_failed", "workflow instance failed",
		slog.String("instance_id", inst.ID.String()),
		slog.String("workflow", inst.WorkflowName),
		slog.String("reason", reason),
	)
	return inst, &notice{
		userID:  inst.UserID,
		channel: inst.Channel,
		text:    fmt.Sprintf("Workflow %q failed: %s", inst.WorkflowName, reason),
	}, nil
}

// withInstanceLock serializes fn per instance and sends its notice after the lock is released.
func (e *Engine) withInstanceLock(ctx context.Context, id uuid.UUID, fn func() (models.WorkflowInstance, *notice, error)) (models.WorkflowInstance, error) {
	unlock, err := e.locker.Lock(ctx, "wf:"+id.String())
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	inst, note, err := fn()
	unlock()
	if note != nil && e.notifier != nil {
		e.notifier.Deliver(ctx, note.userID, note.text, note.channel)
	}
	return inst, err
}

func stepLabel(s models.WorkflowStep) string {
	if s.Name != "" {
		return s.Name
	}
	if s.AgentSlug != "" {
		return s.AgentSlug
	}
	return s.Capability
}
