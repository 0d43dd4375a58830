package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventUserMessage    EventType = "user-message"
	EventCron           EventType = "cron"
	EventWebhook        EventType = "webhook"
	EventTaskComplete   EventType = "task-complete"
	EventTaskFailed     EventType = "task-failed"
	EventChannelMessage EventType = "channel-message"
	EventAPICall        EventType = "api-call"
	EventSystem         EventType = "system"
)

func (t EventType) Valid() bool {
	switch t {
	case EventUserMessage, EventCron, EventWebhook, EventTaskComplete, EventTaskFailed,
		EventChannelMessage, EventAPICall, EventSystem:
		return true
	default:
		return false
	}
}

// Payload keys with routing meaning.
const (
	KeyText       = "text"
	KeyWorkflow   = "workflow"
	KeyAgent      = "agent"
	KeyCapability = "capability"
	KeyInput      = "input"
	KeyJobID      = "job_id"
	KeyTaskID     = "task_id"
	KeyResult     = "result"
	KeyError      = "error"
	KeyRetryable  = "retryable"
	KeyAction     = "action"
)

const ActionTaskStarted = "task-started"

// Event is append-only; only Processed and DispatchAttempts change after insert.
type Event struct {
	ID               uuid.UUID      `json:"id"`
	Type             EventType      `json:"type"`
	Channel          string         `json:"channel"`
	UserID           string         `json:"user_id,omitempty"`
	Payload          map[string]any `json:"payload"`
	Processed        bool           `json:"processed"`
	TaskID           *uuid.UUID     `json:"task_id,omitempty"`
	DispatchAttempts int            `json:"dispatch_attempts"`
	OccurredAt       time.Time      `json:"occurred_at"`
}

// Str returns the trimmed string value at key, or "".
func (e Event) Str(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, ok := e.Payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func (e Event) Map(key string) map[string]any {
	if e.Payload == nil {
		return nil
	}
	m, _ := e.Payload[key].(map[string]any)
	return m
}

func (e Event) Bool(key string) bool {
	if e.Payload == nil {
		return false
	}
	switch v := e.Payload[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// PayloadTaskID parses payload task_id, falling back to the linked TaskID.
func (e Event) PayloadTaskID() (uuid.UUID, error) {
	if raw := e.Str(KeyTaskID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: task_id %q", ErrMalformedEvent, raw)
		}
		return id, nil
	}
	if e.TaskID != nil && *e.TaskID != uuid.Nil {
		return *e.TaskID, nil
	}
	return uuid.Nil, fmt.Errorf("%w: task_id is required", ErrMalformedEvent)
}
