// internal/sync/dedup.go
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "webhook:seen:"

// EventDeduper suppresses replayed webhook deliveries. The check and the
// mark are one atomic SET NX so concurrent deliveries of the same event id
// cannot both pass.
type EventDeduper struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewEventDeduper(rdb *redis.Client, ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EventDeduper{redis: rdb, ttl: ttl}
}

func dedupKey(provider, eventID string) string {
	return fmt.Sprintf("%s%s:%s", dedupKeyPrefix, provider, eventID)
}

// MarkSeen atomically records the event id. It returns false when the id
// was already recorded inside the TTL window, meaning a duplicate delivery.
func (d *EventDeduper) MarkSeen(ctx context.Context, provider, eventID string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, dedupKey(provider, eventID), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("webhook dedup: %w", err)
	}
	return ok, nil
}

// Forget releases the id so a failed delivery can be retried by the sender.
func (d *EventDeduper) Forget(ctx context.Context, provider, eventID string) error {
	return d.redis.Del(ctx, dedupKey(provider, eventID)).Err()
}
