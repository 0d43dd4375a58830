// Package router validates, de-duplicates, classifies and dispatches events to
// workflows, tasks or completion handling. It also receives terminal task outcomes
// from the orchestrator and turns them into workflow progress or channel replies.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/core/internal/tasks"
	"assistant-orchestrator/core/internal/workflows"
	"assistant-orchestrator/shared/lockx"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
	"assistant-orchestrator/shared/observability"
	"assistant-orchestrator/shared/workflow"
)

const (
	StatusDispatched = "dispatched"
	StatusIgnored    = "ignored"
	StatusDuplicate  = "duplicate"
	StatusRejected   = "rejected"
	StatusUnhandled  = "unhandled"
	StatusFailed     = "failed"
)

const (
	ActionTask       = "task"
	ActionWorkflow   = "workflow"
	ActionCompletion = "completion"
	ActionFailure    = "failure"
	ActionStarted    = "started"
	ActionAck        = "ack"
	ActionReply      = "reply"
)

const cannotHandleText = "Sorry, I can't handle that request yet."

// Outcome is the typed result of one dispatch. Err is set only for rejected and failed.
type Outcome struct {
	EventID            uuid.UUID  `json:"event_id"`
	Status             string     `json:"status"`
	Action             string     `json:"action,omitempty"`
	TaskID             *uuid.UUID `json:"task_id,omitempty"`
	WorkflowInstanceID *uuid.UUID `json:"workflow_instance_id,omitempty"`
	Detail             string     `json:"detail,omitempty"`
	Err                error      `json:"-"`
}

// settled reports whether the event needs no further dispatch attempts.
func (o Outcome) settled() bool {
	return o.Status != StatusFailed
}

type TaskService interface {
	Create(ctx context.Context, req tasks.CreateRequest) (models.Task, error)
	Get(ctx context.Context, id uuid.UUID) (models.Task, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (models.Task, error)
	OnComplete(ctx context.Context, id uuid.UUID, result map[string]any) (models.Task, error)
	OnFail(ctx context.Context, id uuid.UUID, reason string, retryable bool) (models.Task, error)
}

type WorkflowService interface {
	StartByName(ctx context.Context, name string, input map[string]any, opts workflows.StartOptions) (models.WorkflowInstance, error)
	Advance(ctx context.Context, instanceID uuid.UUID, taskID uuid.UUID, result map[string]any) (models.WorkflowInstance, error)
	Fail(ctx context.Context, instanceID uuid.UUID, taskID uuid.UUID, reason string) (models.WorkflowInstance, error)
	CancelStep(ctx context.Context, instanceID uuid.UUID, taskID uuid.UUID) (models.WorkflowInstance, error)
}

type Notifier interface {
	Deliver(ctx context.Context, userID string, text string, channelHint string)
}

type Config struct {
	// MaxDispatchAttempts bounds redrive; events at the limit are left for inspection.
	MaxDispatchAttempts int
	// RedriveMinAge skips events younger than this so in-flight submissions are not raced.
	RedriveMinAge time.Duration
}

type Router struct {
	events     store.EventStore
	tasks      TaskService
	workflows  WorkflowService
	notifier   Notifier
	classifier Classifier
	locker     lockx.Locker
	cfg        Config
	logger     logx.Logger
	now        func() time.Time
}

func New(events store.EventStore, taskService TaskService, workflowService WorkflowService, notifier Notifier, classifier Classifier, locker lockx.Locker, cfg Config, logger logx.Logger) *Router {
	if locker == nil {
		locker = lockx.NewKeyed()
	}
	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = 5
	}
	if classifier == nil {
		classifier = NewKeywordClassifier(KeywordTable{}, nil, nil)
	}
	return &Router{
		events:     events,
		tasks:      taskService,
		workflows:  workflowService,
		notifier:   notifier,
		classifier: classifier,
		locker:     locker,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "router")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists ev and dispatches it. Malformed events are rejected before anything
// is stored. The returned error is set only when the event could not be accepted; once
// persisted, dispatch problems are reported in the Outcome and left to redrive.
func (r *Router) Submit(ctx context.Context, ev models.Event) (Outcome, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.Channel = strings.TrimSpace(ev.Channel)
	ev.Processed = false
	ev.DispatchAttempts = 0

	if err := Validate(ev); err != nil {
		metricsx.IncEventDispatched(string(ev.Type), StatusRejected)
		r.logger.Warn(ctx, "event_rejected", "event rejected",
			slog.String("event_id", ev.ID.String()),
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return Outcome{EventID: ev.ID, Status: StatusRejected, Detail: err.Error(), Err: err}, err
	}

	stored, created, err := r.events.CreateEvent(ctx, ev)
	if err != nil {
		r.logger.Error(ctx, "event_persist_failed", "persist event failed",
			slog.String("event_id", ev.ID.String()),
			slog.String("error_code", "EVENT_PERSIST_FAILED"),
			slog.String("error", err.Error()),
		)
		return Outcome{EventID: ev.ID, Status: StatusFailed, Detail: "persist event failed", Err: err}, err
	}
	if !created && stored.Processed {
		metricsx.IncEventDispatched(string(stored.Type), StatusDuplicate)
		return Outcome{EventID: stored.ID, Status: StatusDuplicate}, nil
	}
	return r.Dispatch(ctx, stored), nil
}

// Dispatch routes one event. It never panics: every failure becomes an Outcome.
// Dispatches of the same event id are serialized and a processed event is not re-run.
func (r *Router) Dispatch(ctx context.Context, ev models.Event) (out Outcome) {
	ctx, span := observability.Tracer("router").Start(ctx, "router.dispatch")
	span.SetAttributes(
		attribute.String("event.id", ev.ID.String()),
		attribute.String("event.type", string(ev.Type)),
	)
	defer span.End()

	out = Outcome{EventID: ev.ID}
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{EventID: ev.ID, Status: StatusFailed, Detail: "dispatch panicked", Err: fmt.Errorf("dispatch panic: %v", rec)}
			r.logger.Error(ctx, "dispatch_panic", "dispatch panicked",
				slog.String("event_id", ev.ID.String()),
				slog.String("error_code", "DISPATCH_PANIC"),
				slog.Any("panic", rec),
			)
		}
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Status)
		}
		span.SetAttributes(attribute.String("dispatch.status", out.Status))
		metricsx.IncEventDispatched(string(ev.Type), out.Status)
	}()

	if err := Validate(ev); err != nil {
		r.settle(ctx, ev.ID)
		return Outcome{EventID: ev.ID, Status: StatusRejected, Detail: err.Error(), Err: err}
	}

	unlock, err := r.locker.Lock(ctx, "event:"+ev.ID.String())
	if err != nil {
		return Outcome{EventID: ev.ID, Status: StatusFailed, Detail: "event lock unavailable", Err: err}
	}
	defer unlock()

	persisted := false
	if stored, err := r.events.GetEvent(ctx, ev.ID); err == nil {
		persisted = true
		if stored.Processed {
			return Outcome{EventID: ev.ID, Status: StatusDuplicate}
		}
	} else if !errors.Is(err, models.ErrNotFound) {
		return Outcome{EventID: ev.ID, Status: StatusFailed, Detail: "load event failed", Err: err}
	}

	out = r.route(ctx, ev)
	out.EventID = ev.ID

	if persisted {
		if out.settled() {
			r.settle(ctx, ev.ID)
		} else if _, err := r.events.IncrementDispatchAttempts(ctx, ev.ID); err != nil {
			r.logger.Warn(ctx, "dispatch_attempt_not_counted", "increment dispatch attempts failed",
				slog.String("event_id", ev.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	attrs := []slog.Attr{
		slog.String("event_id", ev.ID.String()),
		slog.String("event_type", string(ev.Type)),
		slog.String("status", out.Status),
		slog.String("action", out.Action),
	}
	if out.TaskID != nil {
		attrs = append(attrs, slog.String("task_id", out.TaskID.String()))
	}
	if out.WorkflowInstanceID != nil {
		attrs = append(attrs, slog.String("workflow_instance_id", out.WorkflowInstanceID.String()))
	}
	if out.Err != nil {
		attrs = append(attrs, slog.String("error_code", "DISPATCH_FAILED"), slog.String("error", out.Err.Error()))
		r.logger.Error(ctx, "event_dispatch_failed", "event dispatch failed", attrs...)
	} else {
		r.logger.Info(ctx, "event_dispatched", "event dispatched", attrs...)
	}
	return out
}

// Redrive re-dispatches unprocessed events that have not exhausted their attempts.
// It returns how many settled.
func (r *Router) Redrive(ctx context.Context, limit int) (int, error) {
	pending, err := r.events.ListUnprocessedEvents(ctx, r.cfg.MaxDispatchAttempts, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	cutoff := r.now().Add(-r.cfg.RedriveMinAge)
	for _, ev := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if r.cfg.RedriveMinAge > 0 && ev.OccurredAt.After(cutoff) {
			continue
		}
		out := r.Dispatch(ctx, ev)
		if out.settled() {
			settled++
		}
	}
	if len(pending) > 0 {
		r.logger.Info(ctx, "redrive_pass", "redrive pass finished",
			slog.Int("candidates", len(pending)),
			slog.Int("settled", settled),
		)
	}
	return settled, nil
}

func (r *Router) settle(ctx context.Context, id uuid.UUID) {
	if err := r.events.MarkEventProcessed(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
		r.logger.Warn(ctx, "event_not_marked", "mark event processed failed",
			slog.String("event_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Router) route(ctx context.Context, ev models.Event) Outcome {
	switch ev.Type {
	case models.EventUserMessage, models.EventChannelMessage:
		if hasBinding(ev) {
			return r.routeBound(ctx, ev)
		}
		return r.routeText(ctx, ev)
	case models.EventCron:
		return r.routeBound(ctx, ev)
	case models.EventWebhook, models.EventAPICall:
		if hasBinding(ev) {
			return r.routeBound(ctx, ev)
		}
		return r.routeText(ctx, ev)
	case models.EventTaskComplete:
		return r.routeCompletion(ctx, ev)
	case models.EventTaskFailed:
		return r.routeFailure(ctx, ev)
	case models.EventSystem:
		return r.routeSystem(ctx, ev)
	default:
		return Outcome{Status: StatusRejected, Err: fmt.Errorf("%w: unknown type %q", models.ErrMalformedEvent, ev.Type)}
	}
}

// routeBound honours an explicit target: workflow, then agent, then capability.
func (r *Router) routeBound(ctx context.Context, ev models.Event) Outcome {
	input := eventInput(ev)
	if name := ev.Str(models.KeyWorkflow); name != "" {
		out, known := r.startWorkflow(ctx, ev, name, input)
		if !known {
			return r.cannotHandle(ctx, ev, out.Detail)
		}
		return out
	}
	req := r.taskRequest(ev, input)
	if slug := ev.Str(models.KeyAgent); slug != "" {
		req.AgentSlug = slug
		req.Capability = ev.Str(models.KeyCapability)
		return r.createTask(ctx, ev, req)
	}
	req.Capability = ev.Str(models.KeyCapability)
	return r.createTask(ctx, ev, req)
}

// routeText classifies free text and takes the first candidate that can be served.
func (r *Router) routeText(ctx context.Context, ev models.Event) Outcome {
	text := ev.Str(models.KeyText)
	input := eventInput(ev)
	c := r.classifier.Classify(ctx, text)

	for _, name := range c.Workflows {
		if out, known := r.startWorkflow(ctx, ev, name, input); known {
			return out
		}
	}
	for _, tag := range c.Capabilities {
		req := r.taskRequest(ev, input)
		req.Capability = tag
		t, err := r.tasks.Create(ctx, req)
		if errors.Is(err, models.ErrNoCapableAgent) {
			continue
		}
		return r.taskOutcome(t, err)
	}
	return r.cannotHandle(ctx, ev, "no workflow or capability matched")
}

// startWorkflow reports known=false when no workflow has that name.
func (r *Router) startWorkflow(ctx context.Context, ev models.Event, name string, input map[string]any) (Outcome, bool) {
	id := ev.ID
	inst, err := r.workflows.StartByName(ctx, name, input, workflows.StartOptions{
		UserID:  ev.UserID,
		Channel: ev.Channel,
		EventID: &id,
	})
	switch {
	case err == nil:
		return Outcome{Status: StatusDispatched, Action: ActionWorkflow, WorkflowInstanceID: &inst.ID, TaskID: inst.CurrentTaskID}, true
	case errors.Is(err, models.ErrUnknownWorkflow):
		return Outcome{Status: StatusUnhandled, Detail: err.Error()}, false
	case errors.Is(err, models.ErrWorkflowStepFailure):
		// The engine already failed the instance and told the user.
		return Outcome{Status: StatusUnhandled, Action: ActionWorkflow, WorkflowInstanceID: &inst.ID, Detail: err.Error()}, true
	default:
		return Outcome{Status: StatusFailed, Action: ActionWorkflow, Detail: "start workflow failed", Err: err}, true
	}
}

func (r *Router) createTask(ctx context.Context, ev models.Event, req tasks.CreateRequest) Outcome {
	t, err := r.tasks.Create(ctx, req)
	if errors.Is(err, models.ErrNoCapableAgent) || errors.Is(err, models.ErrNotFound) {
		return r.cannotHandle(ctx, ev, err.Error())
	}
	return r.taskOutcome(t, err)
}

func (r *Router) taskOutcome(t models.Task, err error) Outcome {
	if err != nil {
		out := Outcome{Status: StatusFailed, Action: ActionTask, Detail: "create task failed", Err: err}
		if t.ID != uuid.Nil {
			// Persisted but not enqueued; redrive re-enqueues the same task.
			out.TaskID = &t.ID
		}
		return out
	}
	return Outcome{Status: StatusDispatched, Action: ActionTask, TaskID: &t.ID}
}

func (r *Router) taskRequest(ev models.Event, input map[string]any) tasks.CreateRequest {
	id := ev.ID
	return tasks.CreateRequest{
		Input:          input,
		UserID:         ev.UserID,
		EventID:        &id,
		Channel:        ev.Channel,
		IdempotencyKey: "event:" + ev.ID.String(),
	}
}

func (r *Router) cannotHandle(ctx context.Context, ev models.Event, detail string) Outcome {
	if r.notifier != nil && ev.UserID != "" {
		r.notifier.Deliver(ctx, ev.UserID, cannotHandleText, ev.Channel)
	}
	r.logger.Warn(ctx, "event_unhandled", "no handler for event",
		slog.String("event_id", ev.ID.String()),
		slog.String("event_type", string(ev.Type)),
		slog.String("detail", detail),
	)
	return Outcome{Status: StatusUnhandled, Action: ActionReply, Detail: detail}
}

func (r *Router) routeCompletion(ctx context.Context, ev models.Event) Outcome {
	id, err := ev.PayloadTaskID()
	if err != nil {
		return Outcome{Status: StatusRejected, Err: err}
	}
	t, err := r.tasks.OnComplete(ctx, id, ev.Map(models.KeyResult))
	if err == nil {
		return Outcome{Status: StatusDispatched, Action: ActionCompletion, TaskID: &t.ID, WorkflowInstanceID: t.WorkflowInstanceID}
	}
	out := r.callbackOutcome(ctx, ev, id, ActionCompletion, err)
	if errors.Is(err, models.ErrInvalidTransition) && t.Status == workflow.TaskStatusCompleted && t.InWorkflow() {
		// A redelivered completion may follow a crash or failure before the workflow advanced.
		return r.reapplied(out, r.advance(ctx, t))
	}
	if errors.Is(err, models.ErrTaskCancelled) && t.InWorkflow() {
		return r.reapplied(out, r.TaskCancelled(ctx, t))
	}
	return out
}

func (r *Router) routeFailure(ctx context.Context, ev models.Event) Outcome {
	id, err := ev.PayloadTaskID()
	if err != nil {
		return Outcome{Status: StatusRejected, Err: err}
	}
	reason := ev.Str(models.KeyError)
	if reason == "" {
		reason = "agent reported failure"
	}
	t, err := r.tasks.OnFail(ctx, id, reason, ev.Bool(models.KeyRetryable))
	if err == nil {
		return Outcome{Status: StatusDispatched, Action: ActionFailure, TaskID: &t.ID, WorkflowInstanceID: t.WorkflowInstanceID}
	}
	out := r.callbackOutcome(ctx, ev, id, ActionFailure, err)
	if errors.Is(err, models.ErrInvalidTransition) && t.Status == workflow.TaskStatusFailed && t.InWorkflow() {
		return r.reapplied(out, r.failWorkflow(ctx, t))
	}
	if errors.Is(err, models.ErrTaskCancelled) && t.InWorkflow() {
		return r.reapplied(out, r.TaskCancelled(ctx, t))
	}
	return out
}

// reapplied turns an ignored callback into a failed dispatch when re-applying the
// task's outcome to its workflow failed, so redrive offers it again.
func (r *Router) reapplied(out Outcome, err error) Outcome {
	if err != nil {
		out.Status = StatusFailed
		out.Detail = err.Error()
		out.Err = err
	}
	return out
}

// callbackOutcome maps completion handler errors. Unknown, duplicate and cancelled
// callbacks are ignored; anything else is a retryable dispatch failure.
func (r *Router) callbackOutcome(ctx context.Context, ev models.Event, taskID uuid.UUID, action string, err error) Outcome {
	out := Outcome{Action: action, TaskID: &taskID, Detail: err.Error()}
	switch {
	case errors.Is(err, models.ErrUnknownTask):
		r.logger.Warn(ctx, "callback_unknown_task", "callback for unknown task ignored",
			slog.String("event_id", ev.ID.String()),
			slog.String("task_id", taskID.String()),
		)
		out.Status = StatusIgnored
	case errors.Is(err, models.ErrInvalidTransition):
		r.logger.Warn(ctx, "callback_duplicate", "callback for terminal task ignored",
			slog.String("event_id", ev.ID.String()),
			slog.String("task_id", taskID.String()),
		)
		out.Status = StatusIgnored
	case errors.Is(err, models.ErrTaskCancelled):
		r.logger.Info(ctx, "callback_cancelled_task", "callback for cancelled task ignored",
			slog.String("event_id", ev.ID.String()),
			slog.String("task_id", taskID.String()),
		)
		out.Status = StatusIgnored
	default:
		out.Status = StatusFailed
		out.Err = err
	}
	return out
}

func (r *Router) routeSystem(ctx context.Context, ev models.Event) Outcome {
	if ev.Str(models.KeyAction) != models.ActionTaskStarted {
		return Outcome{Status: StatusIgnored, Action: ActionAck}
	}
	id, err := ev.PayloadTaskID()
	if err != nil {
		return Outcome{Status: StatusRejected, Err: err}
	}
	t, err := r.tasks.MarkRunning(ctx, id)
	if err != nil {
		return r.callbackOutcome(ctx, ev, id, ActionStarted, err)
	}
	return Outcome{Status: StatusDispatched, Action: ActionStarted, TaskID: &t.ID}
}

// TaskCompleted advances the owning workflow or replies to the user with the result.
func (r *Router) TaskCompleted(ctx context.Context, t models.Task) error {
	if t.InWorkflow() {
		return r.advance(ctx, t)
	}
	if r.notifier != nil && t.UserID != "" {
		r.notifier.Deliver(ctx, t.UserID, models.ResultText(t.Result), t.Channel)
	}
	return nil
}

// TaskFailed fails the owning workflow or tells the user the request failed.
func (r *Router) TaskFailed(ctx context.Context, t models.Task) error {
	if t.InWorkflow() {
		return r.failWorkflow(ctx, t)
	}
	if r.notifier != nil && t.UserID != "" {
		r.notifier.Deliver(ctx, t.UserID, failureText(t), t.Channel)
	}
	return nil
}

// TaskCancelled cancels the owning workflow when its current step's task is cancelled.
func (r *Router) TaskCancelled(ctx context.Context, t models.Task) error {
	if !t.InWorkflow() {
		return nil
	}
	_, err := r.workflows.CancelStep(ctx, *t.WorkflowInstanceID, t.ID)
	if err != nil && !errors.Is(err, models.ErrStaleCompletion) {
		r.logger.Error(ctx, "workflow_cancel_failed", "cancel workflow failed",
			slog.String("task_id", t.ID.String()),
			slog.String("workflow_instance_id", t.WorkflowInstanceID.String()),
			slog.String("error_code", "WORKFLOW_CANCEL_FAILED"),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// advance ignores stale completions and steps that failed the workflow outright; any
// other error leaves the workflow on its step.
func (r *Router) advance(ctx context.Context, t models.Task) error {
	_, err := r.workflows.Advance(ctx, *t.WorkflowInstanceID, t.ID, t.Result)
	if err != nil && !errors.Is(err, models.ErrStaleCompletion) && !errors.Is(err, models.ErrWorkflowStepFailure) {
		r.logger.Error(ctx, "workflow_advance_failed", "advance workflow failed",
			slog.String("task_id", t.ID.String()),
			slog.String("workflow_instance_id", t.WorkflowInstanceID.String()),
			slog.String("error_code", "WORKFLOW_ADVANCE_FAILED"),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (r *Router) failWorkflow(ctx context.Context, t models.Task) error {
	_, err := r.workflows.Fail(ctx, *t.WorkflowInstanceID, t.ID, t.Error)
	if err != nil && !errors.Is(err, models.ErrStaleCompletion) {
		r.logger.Error(ctx, "workflow_fail_failed", "fail workflow failed",
			slog.String("task_id", t.ID.String()),
			slog.String("workflow_instance_id", t.WorkflowInstanceID.String()),
			slog.String("error_code", "WORKFLOW_FAIL_FAILED"),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func failureText(t models.Task) string {
	if strings.TrimSpace(t.Error) == "" {
		return "Sorry, that request failed."
	}
	return "Sorry, that request failed: " + t.Error
}

func hasBinding(ev models.Event) bool {
	return ev.Str(models.KeyWorkflow) != "" || ev.Str(models.KeyAgent) != "" || ev.Str(models.KeyCapability) != ""
}

// eventInput is the payload "input" object with the message text folded in.
func eventInput(ev models.Event) map[string]any {
	input := models.CloneMap(ev.Map(models.KeyInput))
	if text := ev.Str(models.KeyText); text != "" {
		if _, ok := input[models.KeyText]; !ok {
			input[models.KeyText] = text
		}
	}
	return input
}
