package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "match:presence:"

// decrScript atomically decrements the counter, clamps it at zero and deletes
// the key when it reaches zero, otherwise refreshes the TTL. Must be a single
// script: multiple relay processes decrement concurrently.
var decrScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return v
`)

// PresenceCounter counts live signaling connections per session. One
// non-negative integer per session id, deleted at zero, TTL refreshed on
// every mutation so a crashed relay leaks entries only until expiry.
type PresenceCounter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewPresenceCounter creates a presence counter.
func NewPresenceCounter(rdb redis.Cmdable, ttl time.Duration) *PresenceCounter {
	return &PresenceCounter{rdb: rdb, ttl: ttl}
}

func presenceKey(id uuid.UUID) string {
	return presenceKeyPrefix + id.String()
}

// Increment adds one live connection and returns the new count.
func (p *PresenceCounter) Increment(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	key := presenceKey(sessionID)
	pipe := p.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment presence: %w", err)
	}
	return incr.Val(), nil
}

// Decrement removes one live connection and returns the new count, clamped at
// zero. The key is deleted once the count reaches zero.
func (p *PresenceCounter) Decrement(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := decrScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, p.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrement presence: %w", err)
	}
	return n, nil
}

// Get returns the current count, zero when the key is absent.
func (p *PresenceCounter) Get(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := p.rdb.Get(ctx, presenceKey(sessionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get presence: %w", err)
	}
	return n, nil
}
