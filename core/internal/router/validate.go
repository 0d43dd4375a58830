package router

import (
	"fmt"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
)

// Validate checks the fields each event type needs before anything is persisted.
func Validate(ev models.Event) error {
	if ev.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", models.ErrMalformedEvent)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", models.ErrMalformedEvent, ev.Type)
	}
	switch ev.Type {
	case models.EventUserMessage, models.EventChannelMessage:
		if ev.Str(models.KeyText) == "" {
			return fmt.Errorf("%w: %s requires text", models.ErrMalformedEvent, ev.Type)
		}
	case models.EventCron:
		if ev.Str(models.KeyJobID) == "" {
			return fmt.Errorf("%w: cron requires job_id", models.ErrMalformedEvent)
		}
		if !hasBinding(ev) {
			return fmt.Errorf("%w: cron requires a workflow, agent or capability target", models.ErrMalformedEvent)
		}
	case models.EventWebhook, models.EventAPICall:
		if !hasBinding(ev) && ev.Str(models.KeyText) == "" {
			return fmt.Errorf("%w: %s requires a target or text", models.ErrMalformedEvent, ev.Type)
		}
	case models.EventTaskComplete, models.EventTaskFailed:
		if _, err := ev.PayloadTaskID(); err != nil {
			return err
		}
	case models.EventSystem:
		if ev.Str(models.KeyAction) == "" {
			return fmt.Errorf("%w: system requires action", models.ErrMalformedEvent)
		}
		if ev.Str(models.KeyAction) == models.ActionTaskStarted {
			if _, err := ev.PayloadTaskID(); err != nil {
				return err
			}
		}
	}
	return nil
}
