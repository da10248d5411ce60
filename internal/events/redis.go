package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "qcflow:events"

// envelope is the wire form published on Redis.
type envelope struct {
	Event
	InstanceID string `json:"instance_id"`
}

// RedisPublisher relays events to a Redis pub/sub channel for out-of-process consumers
// (floor displays, audio feedback). Publishing happens on a background goroutine so the
// workflow loop never waits on the network.
type RedisPublisher struct {
	client     *redis.Client
	channel    string
	instanceID string
	queue      chan Event
	logger     *slog.Logger
}

// NewRedisPublisher creates a publisher. Call Run to start delivery.
func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisPublisher{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		queue:      make(chan Event, 256),
		logger:     logger,
	}
}

// InstanceID identifies this publisher in published envelopes.
func (p *RedisPublisher) InstanceID() string {
	return p.instanceID
}

// HandleEvent queues evt for publication, dropping it if the queue is full.
func (p *RedisPublisher) HandleEvent(evt Event) {
	select {
	case p.queue <- evt:
	default:
		p.logger.Warn("redis event queue full, dropping event", "event", evt.Type)
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				p.logger.Warn("failed to publish event", "event", evt.Type, "error", err)
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(envelope{Event: evt, InstanceID: p.instanceID})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers events published on channel to handler until ctx is cancelled.
func Subscribe(ctx context.Context, client *redis.Client, channel string, handler func(Event)) error {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			handler(env.Event)
		}
	}
}
