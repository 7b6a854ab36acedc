package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/canopy/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// unlockScript releases the lock only if this holder still owns it.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker implements ports.DistributedLocker using Redis SET NX PX.
type Locker struct {
	client *backend.Client
	prefix string
}

// NewLocker creates a Redis locker sharing the store's key namespace.
func NewLocker(client *backend.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "canopy:"
	}
	return &Locker{client: client, prefix: prefix}
}

// Lock polls SET NX until the lock is acquired or the context ends. The
// value is unique per acquisition so a holder can only release its own lock.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	val := fmt.Sprintf("%d", time.Now().UnixNano())

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, val, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.client.Eval(ctx, unlockScript, []string{lockKey}, val).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
