package business

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// Locker serializes mutating work per transaction id. Lock waits at most
// until ctx is done and then fails with ErrLockTimeout.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

// localLocker is an in-process lock keyed by transaction id. Entries are
// dropped once nobody holds or waits on them.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
	wait  time.Duration
}

func NewLocalLocker(wait time.Duration) Locker {
	return &localLocker{locks: map[string]*keyedLock{}, wait: wait}
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyedLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	if err := entry.sem.Acquire(waitCtx, 1); err != nil {
		l.release(key, entry, false)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, entry, true) })
	}, nil
}

func (l *localLocker) release(key string, entry *keyedLock, held bool) {
	if held {
		entry.sem.Release(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var errLockHeld = errors.New("lock held elsewhere")

// redisLocker shares the per-transaction lock between replicas. The TTL
// bounds how long a crashed holder can block a transaction.
type redisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisLocker{client: client, prefix: "escrow:lock:", ttl: ttl, wait: wait}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := lockToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0

	err = backoff.Retry(func() error {
		ok, setErr := l.client.SetNX(waitCtx, redisKey, token, l.ttl).Result()
		if setErr != nil {
			if waitCtx.Err() != nil {
				return backoff.Permanent(waitCtx.Err())
			}
			return setErr
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(policy, waitCtx))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be cancelled; release regardless
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
			defer releaseCancel()
			_ = unlockScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
