package tasks

import (
	"context"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/influxx"
)

type OutcomeWriter interface {
	RecordTaskOutcome(ctx context.Context, o influxx.TaskOutcome) error
}

// InfluxRecorder writes terminal tasks to the task_outcomes measurement.
type InfluxRecorder struct {
	w OutcomeWriter
}

func NewInfluxRecorder(w OutcomeWriter) *InfluxRecorder {
	return &InfluxRecorder{w: w}
}

func (r *InfluxRecorder) RecordTask(ctx context.Context, t models.Task) error {
	o := influxx.TaskOutcome{
		TaskID:     t.ID.String(),
		AgentSlug:  t.AgentSlug,
		Capability: t.Capability,
		Status:     t.Status,
		Retries:    t.RetryCount,
		At:         t.UpdatedAt,
	}
	if t.FinishedAt != nil {
		o.At = *t.FinishedAt
		o.Duration = t.FinishedAt.Sub(t.CreatedAt)
	}
	return r.w.RecordTaskOutcome(ctx, o)
}
