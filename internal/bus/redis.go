package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis is the production Bus: events go out over Redis pub/sub and into
// a capped history list, so other processes (and restarts) see the same
// stream. Local subscribers are fed by a single pump goroutine reading
// the channel back from Redis.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis connects the bus to Redis and starts the delivery pump. The
// client is pinged first so a missing Redis fails fast at startup.
func NewRedis(ctx context.Context, client *redis.Client, logger zerolog.Logger) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	pubsub := client.Subscribe(pumpCtx, EventChannel)
	// Wait for the subscribe confirmation so no event published after
	// this constructor returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", EventChannel, err)
	}

	b := &Redis{
		client: client,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go b.pump(pumpCtx)
	logger.Info().Str("channel", EventChannel).Msg("Connected to Redis event bus")
	return b, nil
}

// pump moves messages from the Redis channel to local subscribers.
func (b *Redis) pump(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload := json.RawMessage(msg.Payload)

			b.mu.Lock()
			subs := make([]*Subscription, 0, len(b.subs))
			for sub := range b.subs {
				subs = append(subs, sub)
			}
			b.mu.Unlock()

			for _, sub := range subs {
				sub.deliver(payload)
			}
		}
	}
}

// Publish writes the event to the channel and the history list in one
// pipeline. Failures are logged, never surfaced; publishing is fire and
// forget by contract.
func (b *Redis) Publish(ctx context.Context, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	countPublished(payload)
	pipe := b.client.Pipeline()
	pipe.Publish(ctx, EventChannel, payload)
	pipe.LPush(ctx, EventHistoryKey, payload)
	pipe.LTrim(ctx, EventHistoryKey, 0, MaxHistorySize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error().Err(err).Msg("Failed to publish event")
	}
}

// Subscribe attaches a local subscriber to the pump.
func (b *Redis) Subscribe(_ context.Context) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	var sub *Subscription
	sub = newSubscription(func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	})
	b.subs[sub] = struct{}{}
	return sub, nil
}

// History reads up to limit events from the capped list, newest first.
func (b *Redis) History(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > MaxHistorySize {
		limit = MaxHistorySize
	}

	entries, err := b.client.LRange(ctx, EventHistoryKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get event history: %w", err)
	}

	out := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		out = append(out, json.RawMessage(entry))
	}
	return out, nil
}

// Close stops the pump and closes all subscriptions. The Redis client
// itself belongs to the caller.
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	<-b.done

	for _, sub := range subs {
		sub.Close()
	}
	return err
}
