package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/events"
)

func TestFromEnvelopeKeepsIdentityAndLinksTask(t *testing.T) {
	taskID := uuid.New()
	env := events.Envelope{
		EventID:   uuid.New(),
		EventType: string(models.EventTaskComplete),
		UserID:    "u1",
		Payload:   json.RawMessage(`{"task_id":"` + taskID.String() + `","result":{"text":"ok"}}`),
	}
	ev, err := FromEnvelope(env)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if ev.ID != env.EventID || ev.Type != models.EventTaskComplete || ev.TaskID == nil || *ev.TaskID != taskID {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Map(models.KeyResult)["text"] != "ok" {
		t.Fatalf("unexpected payload: %#v", ev.Payload)
	}

	if _, err := FromEnvelope(events.Envelope{EventID: uuid.New(), Payload: json.RawMessage(`[1]`)}); !errors.Is(err, models.ErrMalformedEvent) {
		t.Fatalf("expected malformed, got %v", err)
	}
}
