package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "signal:session:"
	publishTimeout = 5 * time.Second
)

// RedisPubSub fans envelopes out to every relay process holding members of a
// session's room, one Redis channel per session.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates the Redis pub/sub bridge for signaling rooms.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

func channelFor(sessionID uuid.UUID) string {
	return channelPrefix + sessionID.String()
}

// Publish sends an envelope to the session's channel.
func (r *RedisPubSub) Publish(ctx context.Context, sessionID uuid.UUID, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelFor(sessionID), body).Err()
}

// Subscribe listens on a session's channel and calls handler for each
// envelope. Returns a cancel function that stops the subscription.
func (r *RedisPubSub) Subscribe(sessionID uuid.UUID, handler func(Envelope)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelFor(sessionID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe session channel: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("drop malformed envelope from channel",
						zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
