// Package kvstore implements resourcemanager.KeyValueStore on top of the key-value stores that kernel
// jobs can reach: Consul, Redis, and etcd.
//
// The provisioner and the in-job launcher each open their own connection to the same store. The
// provisioner then waits on a key that the launcher publishes once the kernel's sockets are bound.
package kvstore

import (
	"fmt"
	"path"
	"strings"

	"github.com/huage1994/skein-provisioner/common/resourcemanager"
)

const (
	BackendConsul = "consul"
	BackendRedis  = "redis"
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

var (
	ErrUnknownBackend = fmt.Errorf("unknown key-value backend")
	ErrStoreClosed    = fmt.Errorf("key-value store is closed")
)

// New connects to the key-value store of the given backend type.
func New(backend string, address string) (resourcemanager.KeyValueStore, error) {
	var (
		store resourcemanager.KeyValueStore
		err   error
	)

	switch strings.ToLower(backend) {
	case BackendConsul:
		store, err = NewConsulStore(address)
	case BackendRedis:
		store, err = NewRedisStore(address)
	case BackendEtcd:
		store, err = NewEtcdStore(address)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownBackend, backend)
	}

	if err != nil {
		return nil, err
	}

	return store, nil
}

// ApplicationPrefix returns the key prefix reserved for the application with the given ID.
func ApplicationPrefix(prefix string, applicationId string) string {
	return path.Join(prefix, applicationId) + "/"
}
