package business

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, locker Locker) {
	t.Helper()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "tx-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			current := atomic.AddInt32(&inside, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if current <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)

	unlockA, err := locker.Lock(ctx, "tx-a")
	require.NoError(t, err)
	unlockB, err := locker.Lock(ctx, "tx-b")
	require.NoError(t, err)
	unlockB()
	unlockA()
	unlockA()
}

func TestLocalLocker(t *testing.T) {
	exerciseLocker(t, NewLocalLocker(5*time.Second))
}

func TestLocalLockerTimesOut(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)
	unlock, err := locker.Lock(context.Background(), "tx-1")
	require.NoError(t, err)
	defer unlock()

	_, err = locker.Lock(context.Background(), "tx-1")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))
}

func TestRedisLocker(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseLocker(t, NewRedisLocker(client, 10*time.Second, 5*time.Second))
	assert.False(t, server.Exists("escrow:lock:tx-1"))
}

func TestRedisLockerTimesOut(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, 10*time.Second, 100*time.Millisecond)
	unlock, err := locker.Lock(context.Background(), "tx-1")
	require.NoError(t, err)

	_, err = locker.Lock(context.Background(), "tx-1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock, err = locker.Lock(context.Background(), "tx-1")
	require.NoError(t, err)
	unlock()
}

func TestRedisLockerExpiresAbandonedLocks(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, time.Second, 2*time.Second)
	_, err := locker.Lock(context.Background(), "tx-1")
	require.NoError(t, err)

	server.FastForward(2 * time.Second)
	unlock, err := locker.Lock(context.Background(), "tx-1")
	require.NoError(t, err)
	unlock()
}
