// internal/sync/locks.go
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "sync:lock:"

// SyncLocks serializes sync passes per (user, provider) pair with a Redis
// lease. The TTL guards against a crashed holder pinning the pair forever.
type SyncLocks struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSyncLocks(rdb *redis.Client, ttl time.Duration) *SyncLocks {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SyncLocks{redis: rdb, ttl: ttl}
}

func lockKey(userID, provider string) string {
	return fmt.Sprintf("%s%s:%s", lockKeyPrefix, userID, provider)
}

// Acquire takes the lease, returning false when another pass already holds
// it. jobID identifies the holder for diagnostics.
func (l *SyncLocks) Acquire(ctx context.Context, userID, provider, jobID string) (bool, error) {
	ok, err := l.redis.SetNX(ctx, lockKey(userID, provider), jobID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sync lock: %w", err)
	}
	return ok, nil
}

// Release frees the lease only if jobID still holds it, so an expired lease
// re-acquired by another job is never released from under it.
func (l *SyncLocks) Release(ctx context.Context, userID, provider, jobID string) error {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	if err := l.redis.Eval(ctx, script, []string{lockKey(userID, provider)}, jobID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release sync lock: %w", err)
	}
	return nil
}
