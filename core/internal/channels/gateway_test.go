package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/shared/events"
	"assistant-orchestrator/shared/logx"
)

type recordingChannel struct {
	name string
	mu   sync.Mutex
	sent []Message
	err  error
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type recordingPublisher struct {
	topic string
	env   events.Envelope
}

func (p *recordingPublisher) PublishEnvelope(_ context.Context, topic string, env events.Envelope) error {
	p.topic = topic
	p.env = env
	return nil
}

func TestDeliverResolvesHintThenPresenceThenDefault(t *testing.T) {
	ctx := context.Background()
	tg := &recordingChannel{name: "telegram"}
	sms := &recordingChannel{name: "sms"}
	fallback := &recordingChannel{name: "log"}
	g := NewGateway("log", nil, logx.Nop(), tg, sms, fallback)

	g.Deliver(ctx, "u1", "hello", "SMS")
	if sms.count() != 1 {
		t.Fatalf("expected hinted channel to be used")
	}

	g.Deliver(ctx, "u1", "hello", "")
	if fallback.count() != 1 {
		t.Fatalf("expected default channel without presence")
	}

	if _, err := g.Inbound(ctx, "telegram", InboundMessage{UserID: "u1", Text: "hi"}); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	g.Deliver(ctx, "u1", "hello", "")
	g.Deliver(ctx, "u1", "hello", "pager")
	if tg.count() != 2 {
		t.Fatalf("expected presence channel for empty and unknown hints, got %d", tg.count())
	}
}

func TestDeliverSwallowsChannelErrors(t *testing.T) {
	broken := &recordingChannel{name: "log", err: errors.New("down")}
	g := NewGateway("log", nil, logx.Nop(), broken)
	g.Deliver(context.Background(), "u1", "hello", "")

	empty := NewGateway("log", nil, logx.Nop())
	empty.Deliver(context.Background(), "u1", "hello", "")
}

func TestInboundBuildsEvents(t *testing.T) {
	g := NewGateway("log", nil, logx.Nop())
	ev, err := g.Inbound(context.Background(), "Slack", InboundMessage{UserID: "u1", Text: " summarize ", ConversationID: "c9", Capability: "summarize"})
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if ev.Type != models.EventChannelMessage || ev.Channel != "slack" || ev.Str(models.KeyText) != "summarize" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Str(models.KeyCapability) != "summarize" || ev.Payload["conversation_id"] != "c9" {
		t.Fatalf("unexpected payload: %#v", ev.Payload)
	}

	direct, _ := g.Inbound(context.Background(), "slack", InboundMessage{UserID: "u1", Text: "hi"})
	if direct.Type != models.EventUserMessage {
		t.Fatalf("expected user-message, got %s", direct.Type)
	}
	if _, err := g.Inbound(context.Background(), "slack", InboundMessage{UserID: "u1"}); !errors.Is(err, models.ErrMalformedEvent) {
		t.Fatalf("expected malformed for empty text, got %v", err)
	}
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch, err := NewWebhookChannel("", srv.URL, "secret", 0)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := ch.Send(context.Background(), Message{UserID: "u1", Channel: "webhook", Text: "hey"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer secret" || got.Text != "hey" || got.UserID != "u1" {
		t.Fatalf("unexpected request auth=%q body=%+v", auth, got)
	}
}

func TestWebhookChannelReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	ch, _ := NewWebhookChannel("hook", srv.URL, "", 0)
	if err := ch.Send(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestKafkaChannelPublishesEnvelope(t *testing.T) {
	p := &recordingPublisher{}
	ch := NewKafkaChannel("", p)
	if err := ch.Send(context.Background(), Message{UserID: "u1", Channel: "kafka", Text: "done"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if p.topic != events.TopicChannelOutbound || p.env.UserID != "u1" || p.env.EventType != "channel.message" {
		t.Fatalf("unexpected publish: %s %+v", p.topic, p.env)
	}
	var msg Message
	if err := json.Unmarshal(p.env.Payload, &msg); err != nil || msg.Text != "done" {
		t.Fatalf("unexpected payload: %s err=%v", p.env.Payload, err)
	}
}
