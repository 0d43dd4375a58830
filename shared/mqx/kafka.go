package mqx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"assistant-orchestrator/shared/config"
	"assistant-orchestrator/shared/events"
	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// PublishEnvelope keys the message by user so one user's events stay ordered on a partition.
func (p *Producer) PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error {
	value, err := events.Encode(env)
	if err != nil {
		return err
	}
	key := env.UserID
	if key == "" {
		key = env.EventID.String()
	}
	return p.Publish(ctx, topic, []byte(key), value, map[string]string{
		events.HeaderEventType: env.EventType,
		events.HeaderSource:    env.Source,
	})
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return reader, nil
}

// HandlerFunc processes one decoded envelope. A returned error is retried on the same
// message; the offset is committed only after the handler succeeds.
type HandlerFunc func(ctx context.Context, env events.Envelope) error

// MessageReader is the part of *kafka.Reader that Consume uses.
type MessageReader interface {
	Config() kafka.ReaderConfig
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

var (
	handleRetryInitial = 200 * time.Millisecond
	handleRetryMax     = 10 * time.Second
)

// Consume fetches, handles and commits until ctx is cancelled. Undecodable messages are
// committed and skipped. A failing handler blocks the partition until it succeeds, so a
// later commit never skips an unhandled offset.
func Consume(ctx context.Context, reader MessageReader, group string, logger logx.Logger, handle HandlerFunc) error {
	if reader == nil {
		return errors.New("reader not initialized")
	}
	topic := reader.Config().Topic
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}

		env, err := events.Decode(msg.Value)
		if err != nil {
			logger.Warn(ctx, "kafka_message_invalid", "dropping undecodable message",
				slog.String("error_code", "INVALID_ARGUMENT"),
				slog.String("topic", topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		} else if !handleUntilDone(ctx, topic, msg, env, logger, handle) {
			return nil
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(topic, group, stats.Lag)
	}
}

// handleUntilDone reports false when ctx ended before the handler succeeded.
func handleUntilDone(ctx context.Context, topic string, msg kafka.Message, env events.Envelope, logger logx.Logger, handle HandlerFunc) bool {
	delay := handleRetryInitial
	for attempt := 1; ; attempt++ {
		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
			attribute.Int("attempt", attempt),
		)
		err := handle(spanCtx, env)
		if err == nil {
			span.End()
			return true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		logger.Error(ctx, "event_handle_failed", "failed to handle message; retrying",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("topic", topic),
			slog.Int64("offset", msg.Offset),
			slog.String("event_id", env.EventID.String()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if !sleep(ctx, delay) {
			return false
		}
		delay *= 2
		if delay > handleRetryMax {
			delay = handleRetryMax
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
