package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/observability"
)

// Event kinds
const (
	EventAlert  = "alert"
	EventUnread = "unread"
)

// Event is what instances exchange through the broker. Unread events carry
// only user ids; each hub reads the current counts when delivering.
type Event struct {
	Kind     string        `json:"kind"`
	CourseID int64         `json:"courseId"`
	UserIDs  []int64       `json:"userIds,omitempty"`
	Alert    *alerts.Alert `json:"alert,omitempty"`
}

// Broker carries events between the instances that produce them and the
// hubs holding client connections
type Broker interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a stream of every event published after it returns.
	// The stream closes when ctx is done.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// MemoryBroker fans events out in-process, for single-instance deployments
// and tests
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	buffer int
	closed bool
}

type memorySub struct {
	ch   chan Event
	done <-chan struct{}
}

// NewMemoryBroker creates a broker whose subscriber streams hold buffer
// events
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBroker{subs: make(map[*memorySub]struct{}), buffer: buffer}
}

// Publish hands event to every subscriber in order. It blocks while a
// subscriber's buffer is full.
func (b *MemoryBroker) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new stream
func (b *MemoryBroker) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := &memorySub{ch: make(chan Event, b.buffer), done: ctx.Done()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker closed")
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}()
	return sub.ch, nil
}

// Close ends every stream
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return nil
}

// DefaultRedisChannel is the pub/sub channel events travel on
const DefaultRedisChannel = "helpme:notifications"

// RedisBroker fans events out across instances over Redis pub/sub
type RedisBroker struct {
	client  *redis.Client
	channel string
	logger  *observability.Logger
}

// NewRedisBroker creates a broker on channel, or DefaultRedisChannel when
// channel is empty
func NewRedisBroker(client *redis.Client, channel string, logger *observability.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBroker{client: client, channel: channel, logger: logger}
}

// Publish encodes event as JSON and publishes it
func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed so that no event
// published after it returns is missed
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Event, 256)
	go func() {
		defer close(out)
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
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.WithError(err).Warn("dropping undecodable notification event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the Redis client is owned by the caller
func (b *RedisBroker) Close() error {
	return nil
}
