// Package lock provides a cross-process mutex so two bot processes never
// run a trading cycle at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("lock held by another process")

// Deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Extends the key only while it still holds the caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Redis struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

func NewRedis(cfg Config) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: 2 * time.Second,
			MaxRetries:  -1,
		}),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Acquire takes key for ttl and keeps extending it every ttl/3 until
// released, so a cycle that outlives ttl keeps the lock. The returned
// release func is safe to call more than once. A held lock yields
// ErrLockHeld; any other error means Redis could not be asked.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	stop := make(chan struct{})
	go keepAlive(stop, ttl/3, func() (bool, error) {
		extendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := r.extendSc.Run(extendCtx, r.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
		return n == 1, err
	})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlockSc.Run(releaseCtx, r.rdb, []string{key}, token).Err()
		})
	}
	return release, nil
}

// keepAlive calls extend every interval until stop is closed or the lock is
// found to belong to someone else. A transient error is retried on the next
// tick.
func keepAlive(stop <-chan struct{}, interval time.Duration, extend func() (bool, error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := extend()
			if err == nil && !held {
				return
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
