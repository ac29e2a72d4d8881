package lock

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

func assertSerialized(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "milestone:p:0", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	assertSerialized(t, l)
	assert.Empty(t, l.locks)
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	hold := make(chan struct{})
	released := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func() error {
			close(hold)
			<-released
			return nil
		})
	}()
	<-hold
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "k", func() error { return nil })
	assert.ErrorIs(t, err, ErrBusy)
	close(released)
}

func TestLocalLocker_ReturnsFnError(t *testing.T) {
	l := NewLocalLocker()
	err := l.WithLock(context.Background(), "k", func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRedisLocker_Serializes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLocker(client, Options{Expiry: 5 * time.Second, Tries: 200, RetryDelay: 2 * time.Millisecond})
	assertSerialized(t, l)
}

func TestRedisLocker_ReleasesKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLocker(client, DefaultOptions())
	require.NoError(t, l.WithLock(context.Background(), "milestone:x", func() error {
		assert.True(t, mr.Exists("lock:milestone:x"))
		return nil
	}))
	assert.False(t, mr.Exists("lock:milestone:x"))
}

func TestRedisLocker_ExtendsWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	expiry := 300 * time.Millisecond
	l := NewRedisLocker(client, Options{Expiry: expiry, Tries: 1, RetryDelay: time.Millisecond})
	require.NoError(t, l.WithLock(context.Background(), "milestone:slow", func() error {
		// Age the key past most of its expiry, then give the extender time to run.
		mr.FastForward(250 * time.Millisecond)
		time.Sleep(2 * expiry / 3)
		assert.True(t, mr.Exists("lock:milestone:slow"))
		assert.Greater(t, mr.TTL("lock:milestone:slow"), 100*time.Millisecond)

		err := l.WithLock(context.Background(), "milestone:slow", func() error { return nil })
		assert.ErrorIs(t, err, ErrBusy)
		return nil
	}))
	assert.False(t, mr.Exists("lock:milestone:slow"))
}
