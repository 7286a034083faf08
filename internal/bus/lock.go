package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts for owner-checked release and refresh. Deleting blindly would
// let a slow holder release a successor's lock after its own TTL expired.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

const (
	lockAcquireRetries = 5
	lockRetryBase      = 2 * time.Second
)

// Lock is a Redis-held distributed lock with heartbeat refresh. One is held
// per channel so exactly one instance owns the provider socket.
type Lock struct {
	rdb    *redis.Client
	key    string
	token  string
	ttl    time.Duration
	cancel context.CancelFunc
}

// AcquireLock tries to take the named lock, retrying up to 5 times with
// linear back-off so a crashed predecessor's TTL can lapse. On success a
// background heartbeat refreshes the TTL until Release or ctx cancellation.
func (b *Bus) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := "lock:" + name
	token := uuid.NewString()

	for attempt := 0; attempt <= lockAcquireRetries; attempt++ {
		ok, err := b.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			l := &Lock{rdb: b.rdb, key: key, token: token, ttl: ttl}
			hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			l.cancel = cancel
			go l.heartbeat(hbCtx)
			return l, nil
		}
		if attempt == lockAcquireRetries {
			break
		}
		wait := lockRetryBase * time.Duration(attempt+1)
		slog.Info("lock held elsewhere, retrying", "lock", name, "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("lock %s: held by another instance", name)
}

func (l *Lock) heartbeat(ctx context.Context) {
	interval := l.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil {
				slog.Warn("lock refresh failed", "lock", l.key, "error", err)
				continue
			}
			if res == 0 {
				slog.Error("lock lost to another instance", "lock", l.key)
				return
			}
		}
	}
}

// Release stops the heartbeat and deletes the lock if still owned.
func (l *Lock) Release(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	return err
}
