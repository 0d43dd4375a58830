package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"assistant-orchestrator/shared/events"
	"assistant-orchestrator/shared/logx"
)

// LogChannel writes replies to the structured log. Used in development and as a fallback.
type LogChannel struct {
	logger logx.Logger
}

func NewLogChannel(logger logx.Logger) *LogChannel {
	return &LogChannel{logger: logger.With(slog.String("component", "channel_log"))}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	c.logger.Info(ctx, "channel_message", "outbound message",
		slog.String("user_id", msg.UserID),
		slog.String("text", msg.Text),
	)
	return nil
}

// WebhookChannel posts replies as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name  string
	url   string
	token string
	http  *http.Client
}

func NewWebhookChannel(name string, url string, token string, timeout time.Duration) (*WebhookChannel, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook channel url required")
	}
	if strings.TrimSpace(name) == "" {
		name = "webhook"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{
		name:  name,
		url:   url,
		token: token,
		http:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}, nil
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel responded %d", resp.StatusCode)
	}
	return nil
}

type Publisher interface {
	PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error
}

// KafkaChannel publishes replies to the channel.outbound topic for external adapters.
type KafkaChannel struct {
	name      string
	topic     string
	publisher Publisher
}

func NewKafkaChannel(name string, publisher Publisher) *KafkaChannel {
	if strings.TrimSpace(name) == "" {
		name = "kafka"
	}
	return &KafkaChannel{name: name, topic: events.TopicChannelOutbound, publisher: publisher}
}

func (c *KafkaChannel) Name() string { return c.name }

func (c *KafkaChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.publisher.PublishEnvelope(ctx, c.topic, events.Envelope{
		EventID:    uuid.New(),
		OccurredAt: msg.SentAt,
		Source:     "core",
		EventType:  "channel.message",
		UserID:     msg.UserID,
		Channel:    msg.Channel,
		Payload:    payload,
	})
}
