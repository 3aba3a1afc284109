package kvstore

import (
	"fmt"
	"os"

	"github.com/huage1994/skein-provisioner/common/resourcemanager"
)

// Environment variables through which a job learns where to publish its connection info.
const (
	EnvApplicationID = "KERNEL_APPLICATION_ID"
	EnvBackend       = "KERNEL_KV_BACKEND"
	EnvAddress       = "KERNEL_KV_ADDRESS"
	EnvPrefix        = "KERNEL_KV_PREFIX"
)

// Namespace is the shared store that applications publish to, along with the coordinates a job needs
// to open its own connection to that store.
type Namespace struct {
	Backend string
	Address string
	Prefix  string

	// Store is the provisioner's connection to the store. It outlives any resource manager client.
	Store resourcemanager.KeyValueStore
}

// Environment returns the variables that are injected into the job of the given application.
func (n *Namespace) Environment(applicationId string) map[string]string {
	return map[string]string{
		EnvApplicationID: applicationId,
		EnvBackend:       n.Backend,
		EnvAddress:       n.Address,
		EnvPrefix:        n.Prefix,
	}
}

// For returns the view of the store reserved for the given application.
func (n *Namespace) For(applicationId string) resourcemanager.KeyValueStore {
	return Scoped(n.Store, ApplicationPrefix(n.Prefix, applicationId))
}

// FromEnvironment opens the store described by the variables returned by Namespace.Environment and
// returns the view reserved for the current application.
func FromEnvironment() (resourcemanager.KeyValueStore, string, error) {
	applicationId := os.Getenv(EnvApplicationID)
	if applicationId == "" {
		return nil, "", fmt.Errorf("%s is not set", EnvApplicationID)
	}

	store, err := New(os.Getenv(EnvBackend), os.Getenv(EnvAddress))
	if err != nil {
		return nil, "", err
	}

	return &ownedScopedStore{
		scopedStore: scopedStore{store: store, prefix: ApplicationPrefix(os.Getenv(EnvPrefix), applicationId)},
	}, applicationId, nil
}

// ownedScopedStore is a scoped view that owns the underlying connection.
type ownedScopedStore struct {
	scopedStore
}

func (s *ownedScopedStore) Close() error {
	return s.store.Close()
}
