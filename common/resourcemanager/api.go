// Package resourcemanager defines the boundary between the kernel provisioner and a cluster
// resource manager: submitting applications, checking whether they are reachable, reading
// their status, killing them, and exchanging data with them through a key-value store.
package resourcemanager

import (
	"context"
	"errors"
)

var (
	// ErrApplicationNotRunning indicates that an application has been accepted by the resource manager
	// but is not (yet) running, and so cannot be connected to.
	ErrApplicationNotRunning = errors.New("application is not running")

	// ErrApplicationNotFound indicates that the resource manager has no record of the application.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrApplicationTerminated indicates that the application reached a terminal state.
	ErrApplicationTerminated = errors.New("application has terminated")

	ErrInvalidApplicationSpec = errors.New("invalid application spec")

	// ErrClientClosed is returned by every method of a Client that has been closed.
	ErrClientClosed = errors.New("resource manager client is closed")
)

// Client is a handle to a cluster resource manager.
type Client interface {
	// Ping is a lightweight liveness probe. It returns an error if the connection is unusable.
	Ping(ctx context.Context) error

	// Close tears the connection down. Implementations should be safe to call more than once.
	Close() error

	// Submit submits the application and returns the identifier assigned to it by the resource manager.
	Submit(ctx context.Context, spec *ApplicationSpec) (string, error)

	// Connect attempts to connect to a submitted application without waiting for it to start.
	Connect(ctx context.Context, applicationId string) ConnectResult

	// Kill requests that the resource manager forcibly stop the application.
	// Killing an application that no longer exists is not an error.
	Kill(ctx context.Context, applicationId string) error

	// ApplicationReport returns the current status of the application.
	ApplicationReport(ctx context.Context, applicationId string) (*ApplicationReport, error)
}

// Application is a handle to a running application.
type Application interface {
	// ID returns the identifier assigned to the application by the resource manager.
	ID() string

	// KV returns the key-value store shared with the application.
	KV() KeyValueStore
}

// KeyValueStore is a key-value store shared between the provisioner and a running application.
type KeyValueStore interface {
	// Wait blocks until the key has a value and returns it, or until the context is done.
	Wait(ctx context.Context, key string) ([]byte, error)

	// Put publishes a value, waking any waiters of the key.
	Put(ctx context.Context, key string, value []byte) error

	Close() error
}
