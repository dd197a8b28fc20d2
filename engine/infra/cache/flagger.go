package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/redis/go-redis/v9"
)

// conflictFlagPrefix namespaces the poison markers for conflicted
// correlation groups.
const conflictFlagPrefix = "fieldline:conflict:"

// ConflictFlagger implements telemetry.ConflictFlagger on Redis. Flags
// carry their own TTL, so a poisoned group stops failing fast once the
// chunk store has been swept clean anyway.
type ConflictFlagger struct {
	redis *Redis
}

func NewConflictFlagger(r *Redis) (*ConflictFlagger, error) {
	if r == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &ConflictFlagger{redis: r}, nil
}

func flagKey(key telemetry.GroupKey) string {
	return conflictFlagPrefix + key.TenantID + ":" + key.CorrelationID
}

// Flag marks the group as poisoned for ttl.
func (f *ConflictFlagger) Flag(ctx context.Context, key telemetry.GroupKey, ttl time.Duration) error {
	if err := f.redis.Client().Set(ctx, flagKey(key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("setting conflict flag: %w", err)
	}
	return nil
}

// IsFlagged reports whether the group is currently poisoned.
func (f *ConflictFlagger) IsFlagged(ctx context.Context, key telemetry.GroupKey) (bool, error) {
	if err := f.redis.Client().Get(ctx, flagKey(key)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("reading conflict flag: %w", err)
	}
	return true, nil
}
