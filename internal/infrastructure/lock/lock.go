// Package lock serializes commands against a single milestone.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrBusy is returned when the lock could not be acquired in time.
var ErrBusy = errors.New("resource is locked")

// Locker runs fn while holding the named lock.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// Options tune the Redis lock. The lock is extended every Expiry/3 while fn
// runs, so Expiry bounds how long a crashed holder keeps the key.
type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Expiry:     30 * time.Second,
		Tries:      20,
		RetryDelay: 150 * time.Millisecond,
	}
}

// RedisLocker is a redsync-backed distributed lock shared by every API instance.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts Options
}

func NewRedisLocker(client *redis.Client, opts Options) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	mutex := l.rs.NewMutex(
		"lock:"+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return fmt.Errorf("%w: %s", ErrBusy, key)
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		// Unlock on a fresh context so a cancelled request still releases the key.
		if ok, err := mutex.UnlockContext(context.Background()); !ok || err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go l.keepAlive(mutex, key, done)
	return fn()
}

// keepAlive extends the mutex until done is closed.
func (l *RedisLocker) keepAlive(mutex *redsync.Mutex, key string, done <-chan struct{}) {
	interval := l.opts.Expiry / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(context.Background()); !ok || err != nil {
				log.Warn().Err(err).Str("key", key).Msg("failed to extend lock")
			}
		}
	}
}

// LocalLocker is an in-process keyed mutex, used when Redis is not configured and in tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrBusy, key, ctx.Err())
	}
	defer func() { <-e.ch }()
	return fn()
}
