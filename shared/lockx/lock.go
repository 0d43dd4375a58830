package lockx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

func Release(ctx context.Context, client *redis.Client, lock *Lock) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// Redis is a Locker backed by SETNX. Lock polls until the key is free or ctx ends.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl, poll: 25 * time.Millisecond}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	for {
		l, ok, err := Acquire(ctx, r.client, full, r.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = Release(ctx, r.client, l)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(r.poll):
		}
	}
}

// Keyed is an in-process Locker. Entries are dropped once no holder or waiter remains.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, e)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.drop(key, e)
		})
	}, nil
}

func (k *Keyed) drop(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
