package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when a lock could not be taken before the context expired.
var ErrLockTimeout = errors.New("lock not acquired before deadline")

const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Locker hands out short-lived exclusive locks keyed by an arbitrary string.
type Locker struct {
	rdb          *redis.Client
	logger       *logrus.Logger
	pollInterval time.Duration
}

func NewLocker(rdb *redis.Client, logger *logrus.Logger) *Locker {
	return &Locker{
		rdb:          rdb,
		logger:       logger,
		pollInterval: 25 * time.Millisecond,
	}
}

// Acquire blocks until the lock is held or ctx is done. While held, the key's
// TTL is renewed every third of ttl, so a slow holder keeps the lock and a
// crashed one loses it after ttl. The returned release function stops renewal
// and only deletes the key while it still carries this holder's token, so a
// lock that expired and was taken by someone else is left alone.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(l.pollInterval):
		}
	}

	renewCtx, stopRenewal := context.WithCancel(context.Background())
	renewalDone := make(chan struct{})
	go func() {
		defer close(renewalDone)
		l.keepAlive(renewCtx, key, token, ttl)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			stopRenewal()
			<-renewalDone

			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			if err := l.rdb.Eval(releaseCtx, releaseScript, []string{key}, token).Err(); err != nil && err != redis.Nil {
				l.logger.WithError(err).WithField("lock_key", key).Warn("Failed to release lock, it will expire on its own")
			}
		})
	}

	return release, nil
}

// keepAlive extends the lock until ctx is cancelled or the key no longer
// carries token.
func (l *Locker) keepAlive(ctx context.Context, key, token string, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := l.rdb.Eval(ctx, renewScript, []string{key}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.WithError(err).WithField("lock_key", key).Warn("Failed to renew lock")
				continue
			}
			if renewed == 0 {
				l.logger.WithField("lock_key", key).Warn("Lock expired while still held")
				return
			}
		}
	}
}
