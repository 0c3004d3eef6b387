package pricestore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade-lab/papertrade/internal/types"
	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// subscribeBuffer bounds how many payloads a slow bridge may queue before
// the forwarding goroutine blocks on the subscriber.
const subscribeBuffer = 64

// RedisStore implements Store on top of a Redis cache and its pub/sub.
type RedisStore struct {
	client *redis.Client
}

// Connect opens and pings a Redis client for the given URL.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "parse redis url", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "ping redis", err)
	}

	return client, nil
}

// NewRedisStore creates a RedisStore backed by client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Publish implements Store. The TTL'd SET and the PUBLISH travel in one
// pipeline so subscribers never observe a broadcast the cache missed.
func (s *RedisStore) Publish(ctx context.Context, tick types.PriceTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return errors.Wrap(errors.ErrCodePublishFailed, "marshal tick", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, lastPriceKey(tick.Symbol), payload, LastPriceTTL)
	pipe.Publish(ctx, channelName(tick.Symbol), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(errors.ErrCodePublishFailed, err, "publish tick for %s", tick.Symbol)
	}

	return nil
}

// GetLastPrice implements Store.
func (s *RedisStore) GetLastPrice(ctx context.Context, symbol string) (*types.PriceTick, error) {
	val, err := s.client.Get(ctx, lastPriceKey(symbol)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, errors.Wrapf(errors.ErrCodeQuoteLookupFailed, err, "get last price for %s", symbol)
	}

	var tick types.PriceTick
	if err := json.Unmarshal([]byte(val), &tick); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeQuoteLookupFailed, err, "decode last price for %s", symbol)
	}

	return &tick, nil
}

// Subscribe implements Store. The returned channel closes once ctx is
// cancelled and the underlying Redis subscription has been closed.
func (s *RedisStore) Subscribe(ctx context.Context, symbol string) (<-chan []byte, error) {
	pubsub := s.client.Subscribe(ctx, channelName(symbol))

	// Wait for the subscription confirmation so a Publish immediately after
	// Subscribe returns is guaranteed to be delivered.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, errors.Wrapf(errors.ErrCodeInternal, err, "subscribe to %s", symbol)
	}

	out := make(chan []byte, subscribeBuffer)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
