package channels

import (
	"context"
	"sync"
	"time"

	"assistant-orchestrator/shared/cachex"
)

type MemoryPresence struct {
	mu   sync.RWMutex
	last map[string]string
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{last: map[string]string{}}
}

func (p *MemoryPresence) Remember(_ context.Context, userID string, channel string) error {
	p.mu.Lock()
	p.last[userID] = channel
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) Last(_ context.Context, userID string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.last[userID]
	return ch, ok, nil
}

type presenceRecord struct {
	Channel string    `json:"channel"`
	SeenAt  time.Time `json:"seen_at"`
}

// RedisPresence shares presence between core replicas. Entries expire after ttl.
type RedisPresence struct {
	cache  *cachex.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(cache *cachex.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisPresence{cache: cache, prefix: "presence:", ttl: ttl}
}

func (p *RedisPresence) Remember(ctx context.Context, userID string, channel string) error {
	return p.cache.SetJSON(ctx, p.prefix+userID, presenceRecord{Channel: channel, SeenAt: time.Now().UTC()}, p.ttl)
}

func (p *RedisPresence) Last(ctx context.Context, userID string) (string, bool, error) {
	var rec presenceRecord
	ok, err := p.cache.GetJSON(ctx, p.prefix+userID, &rec)
	if err != nil || !ok {
		return "", false, err
	}
	return rec.Channel, rec.Channel != "", nil
}
