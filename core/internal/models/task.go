package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/shared/workflow"
)

type Task struct {
	ID                 uuid.UUID      `json:"id"`
	UserID             string         `json:"user_id,omitempty"`
	AgentSlug          string         `json:"agent_slug"`
	Capability         string         `json:"capability,omitempty"`
	Status             string         `json:"status"`
	Input              map[string]any `json:"input"`
	Result             map[string]any `json:"result,omitempty"`
	Error              string         `json:"error,omitempty"`
	EventID            *uuid.UUID     `json:"event_id,omitempty"`
	Channel            string         `json:"channel,omitempty"`
	IdempotencyKey     string         `json:"idempotency_key"`
	WorkflowInstanceID *uuid.UUID     `json:"workflow_instance_id,omitempty"`
	StepIndex          int            `json:"step_index"`
	RetryCount         int            `json:"retry_count"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
}

func (t Task) Terminal() bool {
	return workflow.IsTerminal(t.Status)
}

func (t Task) InWorkflow() bool {
	return t.WorkflowInstanceID != nil && *t.WorkflowInstanceID != uuid.Nil
}

// WorkItem is what the queue carries to a worker.
type WorkItem struct {
	TaskID     uuid.UUID      `json:"task_id"`
	AgentSlug  string         `json:"agent_slug"`
	Capability string         `json:"capability,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Input      map[string]any `json:"input"`
	Attempt    int            `json:"attempt"`
}

// ResultText renders a result for a human: its "text" or "message" field, else compact JSON.
func ResultText(result map[string]any) string {
	for _, k := range []string{"text", "message", "summary"} {
		if s, ok := result[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if len(result) == 0 {
		return "done"
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "done"
	}
	return string(b)
}

func CloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
