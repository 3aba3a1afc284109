package kvstore

import (
	"context"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisChannelPrefix = "kvstore:"
)

// RedisStore is a KeyValueStore backed by Redis. Put stores the value and publishes it on a channel
// named after the key, so that Wait does not need to poll.
type RedisStore struct {
	log logger.Logger

	client *redis.Client
}

// NewRedisStore accepts either a redis:// URL or a plain host:port address.
func NewRedisStore(address string) (*RedisStore, error) {
	var opts *redis.Options
	if strings.HasPrefix(address, "redis://") || strings.HasPrefix(address, "rediss://") {
		var err error
		if opts, err = redis.ParseURL(address); err != nil {
			return nil, errors.Wrapf(err, "invalid redis URL \"%s\"", address)
		}
	} else {
		opts = &redis.Options{Addr: address}
	}

	store := &RedisStore{client: redis.NewClient(opts)}
	config.InitLogger(&store.log, store)

	return store, nil
}

func redisChannel(key string) string {
	return redisChannelPrefix + key
}

func (s *RedisStore) Wait(ctx context.Context, key string) ([]byte, error) {
	sub := s.client.Subscribe(ctx, redisChannel(key))
	defer func() {
		if err := sub.Close(); err != nil {
			s.log.Warn("Failed to close subscription to \"%s\": %v", redisChannel(key), err)
		}
	}()

	// The subscription must be confirmed before reading the key, or a concurrent Put could be missed.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe to \"%s\"", redisChannel(key))
	}

	value, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		return value, nil
	} else if !errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(err, "failed to read key \"%s\" from redis", key)
	}

	s.log.Debug("Key \"%s\" not yet present in redis; waiting for it to be published.", key)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, ErrStoreClosed
		}

		return []byte(msg.Payload), nil
	}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, 0)
		pipe.Publish(ctx, redisChannel(key), value)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write key \"%s\" to redis", key)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
