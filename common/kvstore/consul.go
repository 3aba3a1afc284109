package kvstore

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

const (
	// consulWaitTime bounds a single blocking query; Wait issues queries until the key appears.
	consulWaitTime = 5 * time.Minute
)

// ConsulStore is a KeyValueStore backed by Consul's KV store, using blocking queries to wait for keys.
type ConsulStore struct {
	log logger.Logger

	kv *consul.KV
}

func NewConsulStore(address string) (*ConsulStore, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = address

	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create consul client for \"%s\"", address)
	}

	store := &ConsulStore{kv: client.KV()}
	config.InitLogger(&store.log, store)

	return store, nil
}

func (s *ConsulStore) Wait(ctx context.Context, key string) ([]byte, error) {
	var index uint64

	for {
		opts := (&consul.QueryOptions{WaitIndex: index, WaitTime: consulWaitTime}).WithContext(ctx)

		pair, meta, err := s.kv.Get(key, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, errors.Wrapf(err, "failed to read key \"%s\" from consul", key)
		}

		if pair != nil {
			return pair.Value, nil
		}

		// The index can go backwards after a snapshot restore, in which case we start over.
		if meta.LastIndex < index {
			index = 0
		} else {
			index = meta.LastIndex
		}

		s.log.Debug("Key \"%s\" not yet present in consul (index=%d).", key, index)
	}
}

func (s *ConsulStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.kv.Put(&consul.KVPair{Key: key, Value: value}, (&consul.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return errors.Wrapf(err, "failed to write key \"%s\" to consul", key)
	}

	return nil
}

func (s *ConsulStore) Close() error {
	return nil
}
