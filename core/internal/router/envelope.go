package router

import (
	"encoding/json"
	"fmt"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/events"
)

// FromEnvelope converts a bus envelope into an event. The envelope id becomes the
// event id so redelivered messages de-duplicate.
func FromEnvelope(env events.Envelope) (models.Event, error) {
	payload := map[string]any{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return models.Event{}, fmt.Errorf("%w: payload is not an object: %v", models.ErrMalformedEvent, err)
		}
	}
	ev := models.Event{
		ID:         env.EventID,
		Type:       models.EventType(env.EventType),
		Channel:    env.Channel,
		UserID:     env.UserID,
		Payload:    payload,
		OccurredAt: env.OccurredAt,
	}
	if id, err := ev.PayloadTaskID(); err == nil {
		ev.TaskID = &id
	}
	return ev, nil
}
