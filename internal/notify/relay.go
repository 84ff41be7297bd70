package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRelay shares events between instances over a Redis pub/sub channel.
// Outbound events are queued and published by one goroutine so the commit
// path never waits on the network.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
	out     chan Event
}

// NewRedisRelay builds a relay with a fresh instance id.
func NewRedisRelay(client *redis.Client, channel string, buffer int, logger *slog.Logger) *RedisRelay {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		out:     make(chan Event, buffer),
	}
}

// Origin returns the instance id stamped on outbound events.
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Enqueue is a broker sink. It drops the event when the outbound queue is full.
func (r *RedisRelay) Enqueue(evt Event) {
	evt.Origin = r.origin
	select {
	case r.out <- evt:
	default:
		r.logger.Warn("relay queue full, event dropped", slog.Uint64("seq", evt.Seq))
	}
}

// Run publishes queued events until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.out:
			payload, err := json.Marshal(evt)
			if err != nil {
				r.logger.Error("encode relay event", slog.Any("error", err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.Warn("publish relay event", slog.Any("error", err))
			}
		}
	}
}

// Listen subscribes to the channel and republishes foreign events on broker.
// It returns once the subscription is confirmed.
func (r *RedisRelay) Listen(ctx context.Context, broker *Broker) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("notify: subscribe %s: %w", r.channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					r.logger.Warn("decode relay event", slog.Any("error", err))
					continue
				}
				if evt.Origin == "" || evt.Origin == r.origin {
					continue
				}
				broker.Publish(evt)
			}
		}
	}()
	return nil
}

// Attach registers the relay as a broker sink and starts both directions.
func (r *RedisRelay) Attach(ctx context.Context, broker *Broker) error {
	if err := r.Listen(ctx, broker); err != nil {
		return err
	}
	broker.AddSink(r.Enqueue)
	go r.Run(ctx)
	return nil
}
