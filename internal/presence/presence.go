// Package presence tracks user liveness via short-TTL ping keys, so callers
// can tell whether a matched peer is still reachable.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pingKeyPrefix = "presence:user:"

// Tracker records and reports user liveness.
type Tracker struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewTracker creates a liveness tracker. The TTL should comfortably exceed
// the client ping interval.
func NewTracker(rdb redis.Cmdable, ttl time.Duration) *Tracker {
	return &Tracker{rdb: rdb, ttl: ttl}
}

func pingKey(userID uuid.UUID) string {
	return pingKeyPrefix + userID.String()
}

// Ping marks the user as alive for the TTL window.
func (t *Tracker) Ping(ctx context.Context, userID uuid.UUID) error {
	return t.rdb.Set(ctx, pingKey(userID), "1", t.ttl).Err()
}

// Alive reports whether the user pinged within the TTL window.
func (t *Tracker) Alive(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := t.rdb.Exists(ctx, pingKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
