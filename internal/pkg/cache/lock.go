package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when a lock could not be obtained before the wait budget ran out.
var ErrLockNotAcquired = errors.New("lock not acquired")

const (
	lockKeyPrefix     = "lock:"
	defaultLockTTL    = 30 * time.Second
	defaultLockWait   = 5 * time.Second
	lockRetryInterval = 25 * time.Millisecond
)

// Locker serializes work per key. The returned release func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// releaseScript deletes the key only when it still holds our token, so a
// holder whose TTL expired cannot release somebody else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	wait   time.Duration
}

// NewRedisLocker creates a lock backed by the given client. wait bounds how
// long Acquire polls for a held key; zero means the default of 5s.
func NewRedisLocker(client *redis.Client, wait time.Duration) *RedisLocker {
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &RedisLocker{client: client, wait: wait}
}

// Acquire blocks until the key is free, ctx is done or the wait budget is exhausted.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	token := uuid.New().String()
	redisKey := lockKeyPrefix + key
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// Release must not depend on the caller's (possibly cancelled) context.
					_ = releaseScript.Run(context.Background(), l.client, []string{redisKey}, token).Err()
				})
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// InMemoryLocker is a process-local Locker for single-instance deployments and tests.
type InMemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewInMemoryLocker creates an empty process-local locker.
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *InMemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Acquire ignores ttl; the lock is held until release is called.
func (l *InMemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
