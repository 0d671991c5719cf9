package roles

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/helpme/helpme/pkg/observability"
)

// DefaultInvalidationChannel carries user ids whose roles changed
const DefaultInvalidationChannel = "helpme:roles:invalidate"

// RedisInvalidator relays invalidations to every instance sharing a Redis
// server. Each instance runs Start so its local cache hears the others.
type RedisInvalidator struct {
	client  *redis.Client
	channel string
	local   Invalidator
	logger  *observability.Logger
}

// NewRedisInvalidator relays to local, which also receives this instance's
// own invalidations
func NewRedisInvalidator(client *redis.Client, channel string, local Invalidator, logger *observability.Logger) *RedisInvalidator {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisInvalidator{client: client, channel: channel, local: local, logger: logger}
}

// Invalidate clears the local cache at once and tells the other instances.
// A failed publish leaves them on their TTL.
func (r *RedisInvalidator) Invalidate(userID int64) {
	r.local.Invalidate(userID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, strconv.FormatInt(userID, 10)).Err(); err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("failed to broadcast role invalidation")
	}
}

// Start subscribes and applies remote invalidations until ctx ends. It
// returns once the subscription is confirmed.
func (r *RedisInvalidator) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to role invalidations: %w", err)
	}

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				userID, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					r.logger.WithField("payload", msg.Payload).Warn("dropping malformed role invalidation")
					continue
				}
				r.local.Invalidate(userID)
			}
		}
	}()
	return nil
}
