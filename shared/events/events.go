package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire shape of every message on the bus.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Source     string          `json:"source"`
	EventType  string          `json:"event_type"`
	UserID     string          `json:"user_id,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

const (
	TopicInbound         = "events.inbound"
	TopicTaskOutcomes    = "task.outcomes"
	TopicChannelOutbound = "channel.outbound"
)

const (
	HeaderEventType = "event_type"
	HeaderSource    = "source"
)

func Encode(env Envelope) ([]byte, error) {
	if env.EventID == uuid.Nil {
		env.EventID = uuid.New()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(env)
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}
