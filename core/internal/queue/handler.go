package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/clients/agent"
	"assistant-orchestrator/shared/events"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
	"assistant-orchestrator/shared/observability"
)

// outcomeNamespace derives report event ids from (task, attempt, kind) so a
// redelivered work item reports under the same ids.
var outcomeNamespace = uuid.MustParse("0d8a4c7e-91b2-4e3f-a6c5-3b7d2e8f1a90")

type Invoker interface {
	Invoke(ctx context.Context, slug string, req agent.InvokeRequest) (agent.InvokeResponse, error)
}

type Publisher interface {
	PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error
}

// Handler executes agent:invoke tasks. Agent failures are reported as task-failed
// events; only report publishing failures are returned so asynq retries them.
type Handler struct {
	agents    Invoker
	publisher Publisher
	source    string
	logger    logx.Logger
}

func NewHandler(agents Invoker, publisher Publisher, source string, logger logx.Logger) *Handler {
	if source == "" {
		source = "worker"
	}
	return &Handler{
		agents:    agents,
		publisher: publisher,
		source:    source,
		logger:    logger.With(slog.String("component", "queue_worker")),
	}
}

func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var item models.WorkItem
	if err := json.Unmarshal(t.Payload(), &item); err != nil {
		h.logger.Error(ctx, "work_item_invalid", "undecodable work item dropped",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("decode work item: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := observability.Tracer("queue").Start(ctx, "agent.invoke")
	span.SetAttributes(
		attribute.String("task.id", item.TaskID.String()),
		attribute.String("agent.slug", item.AgentSlug),
		attribute.Int("task.attempt", item.Attempt),
	)
	defer span.End()

	if err := h.report(ctx, item, "started", string(models.EventSystem), map[string]any{
		models.KeyAction: models.ActionTaskStarted,
		models.KeyTaskID: item.TaskID.String(),
	}); err != nil {
		return err
	}

	start := time.Now()
	resp, err := h.agents.Invoke(ctx, item.AgentSlug, agent.InvokeRequest{
		TaskID:     item.TaskID.String(),
		UserID:     item.UserID,
		Capability: item.Capability,
		Input:      item.Input,
	})
	metricsx.ObserveAgentLatency(time.Since(start))

	if err != nil {
		metricsx.IncAgentInvocation("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		retryable := agent.IsRetryable(err)
		h.logger.Warn(ctx, "agent_invoke_failed", "agent invocation failed",
			slog.String("task_id", item.TaskID.String()),
			slog.String("agent", item.AgentSlug),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()),
		)
		return h.report(ctx, item, "failed", string(models.EventTaskFailed), map[string]any{
			models.KeyTaskID:    item.TaskID.String(),
			models.KeyError:     err.Error(),
			models.KeyRetryable: retryable,
		})
	}

	metricsx.IncAgentInvocation("completed")
	result := resp.Result
	if result == nil {
		result = map[string]any{}
	}
	return h.report(ctx, item, "completed", string(models.EventTaskComplete), map[string]any{
		models.KeyTaskID: item.TaskID.String(),
		models.KeyResult: result,
	})
}

// ReportID is the event id of the kind report for an attempt of a task.
func ReportID(taskID uuid.UUID, attempt int, kind string) uuid.UUID {
	return uuid.NewSHA1(outcomeNamespace, []byte(fmt.Sprintf("%s|%d|%s", taskID, attempt, kind)))
}

func (h *Handler) report(ctx context.Context, item models.WorkItem, kind string, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := events.Envelope{
		EventID:    ReportID(item.TaskID, item.Attempt, kind),
		OccurredAt: time.Now().UTC(),
		Source:     h.source,
		EventType:  eventType,
		UserID:     item.UserID,
		Channel:    item.Channel,
		Payload:    body,
	}
	if err := h.publisher.PublishEnvelope(ctx, events.TopicTaskOutcomes, env); err != nil {
		h.logger.Error(ctx, "outcome_publish_failed", "publish task report failed",
			slog.String("task_id", item.TaskID.String()),
			slog.String("kind", kind),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish %s report: %w", kind, err)
	}
	return nil
}
