// Package channels delivers outbound replies and normalizes inbound messages.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
)

// Message is one outbound reply.
type Message struct {
	UserID  string    `json:"user_id"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sent_at"`
}

type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Presence remembers the channel each user last wrote from.
type Presence interface {
	Remember(ctx context.Context, userID string, channel string) error
	Last(ctx context.Context, userID string) (string, bool, error)
}

// InboundMessage is a message received on a channel adapter.
type InboundMessage struct {
	EventID        *uuid.UUID     `json:"event_id,omitempty"`
	UserID         string         `json:"user_id"`
	Text           string         `json:"text"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Workflow       string         `json:"workflow,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	Capability     string         `json:"capability,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
}

type Gateway struct {
	mu             sync.RWMutex
	channels       map[string]Channel
	presence       Presence
	defaultChannel string
	logger         logx.Logger
	now            func() time.Time
}

func NewGateway(defaultChannel string, presence Presence, logger logx.Logger, channels ...Channel) *Gateway {
	if presence == nil {
		presence = NewMemoryPresence()
	}
	g := &Gateway{
		channels:       map[string]Channel{},
		presence:       presence,
		defaultChannel: normalizeName(defaultChannel),
		logger:         logger.With(slog.String("component", "channels")),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, ch := range channels {
		g.Register(ch)
	}
	return g
}

// Register adds or replaces a channel by name.
func (g *Gateway) Register(ch Channel) {
	g.mu.Lock()
	g.channels[normalizeName(ch.Name())] = ch
	g.mu.Unlock()
}

func (g *Gateway) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.channels))
	for name := range g.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Deliver sends text to the user on the hinted channel, else the channel they last used,
// else the default channel. Failures are logged and counted, never returned.
func (g *Gateway) Deliver(ctx context.Context, userID string, text string, channelHint string) {
	ch, err := g.resolve(ctx, userID, channelHint)
	if err != nil {
		metricsx.IncChannelDelivery("none", "failed")
		g.logger.Error(ctx, "channel_unresolved", "no channel to deliver on",
			slog.String("user_id", userID),
			slog.String("channel_hint", channelHint),
			slog.String("error_code", "CHANNEL_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		return
	}
	msg := Message{UserID: userID, Channel: ch.Name(), Text: text, SentAt: g.now()}
	if err := ch.Send(ctx, msg); err != nil {
		metricsx.IncChannelDelivery(ch.Name(), "failed")
		g.logger.Error(ctx, "channel_delivery_failed", "channel delivery failed",
			slog.String("user_id", userID),
			slog.String("channel", ch.Name()),
			slog.String("error_code", "CHANNEL_DELIVERY_FAILED"),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncChannelDelivery(ch.Name(), "delivered")
	g.logger.Debug(ctx, "channel_delivered", "reply delivered",
		slog.String("user_id", userID),
		slog.String("channel", ch.Name()),
	)
}

// Inbound turns a channel message into a user-message event, or a channel-message
// event when it belongs to a shared conversation, and remembers the user's channel.
func (g *Gateway) Inbound(ctx context.Context, channel string, msg InboundMessage) (models.Event, error) {
	channel = normalizeName(channel)
	if channel == "" {
		return models.Event{}, fmt.Errorf("%w: channel is required", models.ErrMalformedEvent)
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return models.Event{}, fmt.Errorf("%w: user_id is required", models.ErrMalformedEvent)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return models.Event{}, fmt.Errorf("%w: text is required", models.ErrMalformedEvent)
	}

	payload := map[string]any{models.KeyText: strings.TrimSpace(msg.Text)}
	evType := models.EventUserMessage
	if msg.ConversationID != "" {
		evType = models.EventChannelMessage
		payload["conversation_id"] = msg.ConversationID
	}
	for key, value := range map[string]string{
		models.KeyWorkflow:   msg.Workflow,
		models.KeyAgent:      msg.Agent,
		models.KeyCapability: msg.Capability,
	} {
		if strings.TrimSpace(value) != "" {
			payload[key] = strings.TrimSpace(value)
		}
	}
	if len(msg.Input) > 0 {
		payload[models.KeyInput] = models.CloneMap(msg.Input)
	}

	id := uuid.New()
	if msg.EventID != nil && *msg.EventID != uuid.Nil {
		id = *msg.EventID
	}
	if err := g.presence.Remember(ctx, msg.UserID, channel); err != nil {
		g.logger.Warn(ctx, "presence_not_saved", "remember presence failed",
			slog.String("user_id", msg.UserID),
			slog.String("error", err.Error()),
		)
	}
	return models.Event{
		ID:         id,
		Type:       evType,
		Channel:    channel,
		UserID:     msg.UserID,
		Payload:    payload,
		OccurredAt: g.now(),
	}, nil
}

func (g *Gateway) resolve(ctx context.Context, userID string, hint string) (Channel, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if name := normalizeName(hint); name != "" {
		if ch, ok := g.channels[name]; ok {
			return ch, nil
		}
		g.logger.Warn(ctx, "channel_hint_unknown", "hinted channel not registered",
			slog.String("channel_hint", hint),
		)
	}
	if userID != "" {
		last, ok, err := g.presence.Last(ctx, userID)
		if err != nil {
			g.logger.Warn(ctx, "presence_lookup_failed", "presence lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		if ok {
			if ch, found := g.channels[last]; found {
				return ch, nil
			}
		}
	}
	if ch, ok := g.channels[g.defaultChannel]; ok {
		return ch, nil
	}
	return nil, errors.New("no channel registered for delivery")
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
