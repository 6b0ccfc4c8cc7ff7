package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, 100*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "sub_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:sub_1"))

	_, err = locker.Acquire(ctx, "sub_1", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockNotAcquired))

	release()
	release()
	assert.False(t, mr.Exists("lock:sub_1"))

	release2, err := locker.Acquire(ctx, "sub_1", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestRedisLocker_ReleaseDoesNotStealForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, 50*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "sub_2", time.Second)
	require.NoError(t, err)

	// Simulate TTL expiry and another holder taking over.
	mr.Del("lock:sub_2")
	require.NoError(t, mr.Set("lock:sub_2", "someone-else"))

	release()
	got, err := mr.Get("lock:sub_2")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_ExpiredLockCanBeRetaken(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, 50*time.Millisecond)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "sub_3", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	release, err := locker.Acquire(ctx, "sub_3", time.Second)
	require.NoError(t, err)
	release()
}

func TestInMemoryLocker_MutualExclusion(t *testing.T) {
	locker := NewInMemoryLocker()
	ctx := context.Background()

	var inside int32
	var overlap int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				release, err := locker.Acquire(ctx, "k", 0)
				if err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(10 * time.Microsecond)
				atomic.AddInt32(&inside, -1)
				release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(0), overlap)
}

func TestInMemoryLocker_ContextCancel(t *testing.T) {
	locker := NewInMemoryLocker()
	release, err := locker.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
