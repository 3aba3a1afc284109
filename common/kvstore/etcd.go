package kvstore

import (
	"context"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is a KeyValueStore backed by etcd. Wait reads the key and, if it is absent, watches it
// starting from the revision right after the read.
type EtcdStore struct {
	log logger.Logger

	client *clientv3.Client
}

// NewEtcdStore accepts a comma-separated list of endpoints.
func NewEtcdStore(address string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(address, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to etcd at \"%s\"", address)
	}

	store := &EtcdStore{client: client}
	config.InitLogger(&store.log, store)

	return store, nil
}

func (s *EtcdStore) Wait(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read key \"%s\" from etcd", key)
	}

	if len(resp.Kvs) > 0 {
		return resp.Kvs[0].Value, nil
	}

	s.log.Debug("Key \"%s\" not yet present in etcd; watching from revision %d.", key, resp.Header.Revision+1)

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	for watchResp := range s.client.Watch(watchCtx, key, clientv3.WithRev(resp.Header.Revision+1)) {
		if err := watchResp.Err(); err != nil {
			return nil, errors.Wrapf(err, "failed to watch key \"%s\" in etcd", key)
		}

		for _, ev := range watchResp.Events {
			if ev.Type == clientv3.EventTypePut {
				return ev.Kv.Value, nil
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return nil, ErrStoreClosed
}

func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return errors.Wrapf(err, "failed to write key \"%s\" to etcd", key)
	}

	return nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
