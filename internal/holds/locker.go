package holds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// Locker serializes work per key. The returned unlock func must be called
// exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker. Waiters respect ctx cancellation.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.drop(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.drop(key, l)
		})
	}, nil
}

func (m *KeyedMutex) drop(key string, l *keyedLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

const redisLockPrefix = "lock:"

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared across API instances. Each lock is a
// SET NX PX key holding a random token; unlock only deletes the key while
// the token still matches, so a lock that outlived its TTL is never freed
// by its former owner.
type RedisLocker struct {
	rdb        *redis.Client
	ttl        time.Duration
	retryEvery time.Duration
	logger     *logging.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisLocker {
	if rdb == nil {
		panic("holds: redis client required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retryEvery: 10 * time.Millisecond, logger: logger}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := redisLockPrefix + key
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("holds: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Unlock must run even when the caller's ctx is already done.
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := releaseLockScript.Run(unlockCtx, l.rdb, []string{lockKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("slot lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}
