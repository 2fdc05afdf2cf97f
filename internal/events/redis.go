package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/darango91/aiaudiopipeline/internal/observability"
	"github.com/darango91/aiaudiopipeline/internal/resilience"
)

// RedisBroker republishes events through redis pub/sub so subscribers
// attached to other processes still receive them. This is an independent
// delivery path from the in-process hub; no dedup is attempted across the two.
type RedisBroker struct {
	client *redis.Client
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewRedisBroker connects to redis at the given URL.
func NewRedisBroker(url string, retryMaxAttempts int, retryBackoff time.Duration) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &RedisBroker{
		client: redis.NewClient(opts),
		retry: &resilience.RetryConfig{
			MaxAttempts:       retryMaxAttempts,
			InitialBackoff:    retryBackoff,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		logger: observability.GetLogger().With().Str("component", "broker").Logger(),
	}, nil
}

// Publish sends a payload to a session topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Ping verifies the redis connection; used by the readiness probe.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// Bridge subscribes to session notification topics and re-broadcasts payloads
// from other processes to local hub subscribers. Blocks until ctx is
// cancelled; resubscribes with backoff if the subscription drops.
func (b *RedisBroker) Bridge(ctx context.Context, hub *Hub) {
	for {
		err := resilience.Retry(ctx, func() error {
			return b.consume(ctx, hub)
		}, b.retry)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Error().Err(err).Msg("Broker bridge lost subscription, restarting")
			observability.RecordError("broker_subscribe", "events")
		}
	}
}

func (b *RedisBroker) consume(ctx context.Context, hub *Hub) error {
	pubsub := b.client.PSubscribe(ctx, "notifications:*")
	defer pubsub.Close()

	b.logger.Info().Msg("Broker bridge subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("broker subscription closed")
			}

			sessionID := strings.TrimPrefix(msg.Channel, "notifications:")
			if !json.Valid([]byte(msg.Payload)) {
				b.logger.Warn().Str("session_id", sessionID).Msg("Dropping malformed broker payload")
				continue
			}
			hub.DeliverLocal(sessionID, []byte(msg.Payload))
		}
	}
}
