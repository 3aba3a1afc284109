package kvstore

import (
	"context"

	"github.com/huage1994/skein-provisioner/common/resourcemanager"
)

// scopedStore prefixes every key before delegating to a shared store.
type scopedStore struct {
	store  resourcemanager.KeyValueStore
	prefix string
}

// Scoped returns a view of store in which every key is prefixed with prefix.
//
// Closing the view does not close store, which may be shared by many views.
func Scoped(store resourcemanager.KeyValueStore, prefix string) resourcemanager.KeyValueStore {
	return &scopedStore{store: store, prefix: prefix}
}

func (s *scopedStore) Wait(ctx context.Context, key string) ([]byte, error) {
	return s.store.Wait(ctx, s.prefix+key)
}

func (s *scopedStore) Put(ctx context.Context, key string, value []byte) error {
	return s.store.Put(ctx, s.prefix+key, value)
}

func (s *scopedStore) Close() error {
	return nil
}
