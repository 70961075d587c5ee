package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultRedisChannel = "vmr:lifecycle"

// RedisBus carries events over a redis pub/sub channel as JSON
type RedisBus struct {
	client  redis.UniversalClient
	channel string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRedisBus connects to redis and verifies the connection
func NewRedisBus(ctx context.Context, config types.RedisConfig) (*RedisBus, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		Protocol: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisBusWithClient(client, config.Channel), nil
}

// NewRedisBusWithClient wraps an existing client. The bus owns the client and closes it.
func NewRedisBusWithClient(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		closed:  make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe listens on the channel and resubscribes with exponential backoff when the
// subscription drops. It returns nil once ctx is done or the bus is closed.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(
		func() error { return b.subscribeOnce(ctx, handler, policy) },
		backoff.WithContext(policy, ctx),
		func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("retry_in", wait).Str("channel", b.channel).Msg("Event subscription lost, retrying")
		},
	)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *RedisBus) subscribeOnce(ctx context.Context, handler Handler, policy *backoff.ExponentialBackOff) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	policy.Reset()
	log.Info().Str("channel", b.channel).Msg("Subscribed to lifecycle events")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-b.closed:
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("subscription channel closed")
			}

			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", b.channel).Msg("Dropped undecodable lifecycle event")
				continue
			}
			handler(ctx, ev)
		}
	}
}

func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.client.Close()
	})
	return err
}
