package mqx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"assistant-orchestrator/shared/events"
	"assistant-orchestrator/shared/logx"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: events.TopicTaskOutcomes}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{} }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func envelopeMessage(t *testing.T, offset int64, id uuid.UUID) kafka.Message {
	t.Helper()
	value, err := events.Encode(events.Envelope{EventID: id, Source: "agent-worker", EventType: "task-complete"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return kafka.Message{Topic: events.TopicTaskOutcomes, Offset: offset, Value: value}
}

func fastRetries(t *testing.T) {
	t.Helper()
	initial, ceiling := handleRetryInitial, handleRetryMax
	handleRetryInitial, handleRetryMax = time.Millisecond, 4*time.Millisecond
	t.Cleanup(func() { handleRetryInitial, handleRetryMax = initial, ceiling })
}

func TestConsumeRetriesFailedMessageBeforeCommitting(t *testing.T) {
	fastRetries(t)
	first, second := uuid.New(), uuid.New()
	reader := &fakeReader{pending: []kafka.Message{
		envelopeMessage(t, 10, first),
		{Topic: events.TopicTaskOutcomes, Offset: 11, Value: []byte("{")},
		envelopeMessage(t, 12, second),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var seen []uuid.UUID
	failures := 2
	err := Consume(ctx, reader, "core", logx.Nop(), func(_ context.Context, env events.Envelope) error {
		seen = append(seen, env.EventID)
		if env.EventID == first && failures > 0 {
			failures--
			return errors.New("database unavailable")
		}
		if env.EventID == second {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	want := []uuid.UUID{first, first, first, second}
	if len(seen) != len(want) {
		t.Fatalf("expected %d handler calls, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("call %d handled %s, want %s", i, seen[i], want[i])
		}
	}
	commits := reader.commits()
	if len(commits) != 3 || commits[0] != 10 || commits[1] != 11 || commits[2] != 12 {
		t.Fatalf("expected commits 10,11,12 in order, got %v", commits)
	}
}

func TestConsumeStopsWithoutCommittingUnhandledMessage(t *testing.T) {
	fastRetries(t)
	reader := &fakeReader{pending: []kafka.Message{
		envelopeMessage(t, 10, uuid.New()),
		envelopeMessage(t, 11, uuid.New()),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	calls := 0
	err := Consume(ctx, reader, "core", logx.Nop(), func(context.Context, events.Envelope) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("database unavailable")
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected three attempts on the first message, got %d", calls)
	}
	if commits := reader.commits(); len(commits) != 0 {
		t.Fatalf("expected nothing committed, got %v", commits)
	}
}
