package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/redis/go-redis/v9"
)

// RedisRelay relays notifications through a Redis pub/sub channel
type RedisRelay struct {
	log     log.Log
	client  *redis.Client
	channel string
	sub     *redis.PubSub
}

// NewRedisRelay connects to Redis, and fails if the server does not answer a ping
func NewRedisRelay(ctx context.Context, logger log.Log, addr, channel string) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Failed to connect to Redis at %v: %w", addr, err)
	}
	return &RedisRelay{
		log:     log.NewPrefixLogger(logger, "Relay"),
		client:  client,
		channel: channel,
	}, nil
}

// Subscribe returns once Redis has confirmed the subscription, so that
// nothing published after it returns can be missed by Run.
func (r *RedisRelay) Subscribe(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("Failed to subscribe to %v: %w", r.channel, err)
	}
	r.sub = sub
	r.log.Infof("Subscribed to %v", r.channel)
	return nil
}

// Publish returns the number of subscribers that Redis handed the payload to
func (r *RedisRelay) Publish(ctx context.Context, payload []byte) (int64, error) {
	return r.client.Publish(ctx, r.channel, payload).Result()
}

// Run delivers every message on the channel until ctx is cancelled.
// Subscribe must have succeeded first.
// The subscription reconnects by itself if the connection to Redis drops.
func (r *RedisRelay) Run(ctx context.Context, deliver func(payload []byte)) {
	if r.sub == nil {
		r.log.Errorf("Run called without a subscription")
		return
	}
	ch := r.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				r.log.Warnf("Subscription to %v closed", r.channel)
				return
			}
			deliver([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) Close() error {
	var subErr error
	if r.sub != nil {
		subErr = r.sub.Close()
	}
	return errors.Join(subErr, r.client.Close())
}
