// Package driver keeps a single, health-checked connection to the cluster resource manager that is
// shared by every kernel provisioner in the process.
package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/utils"
	pkgerrors "github.com/pkg/errors"
)

const (
	DefaultHealthCheckInterval     = 10 * time.Second
	DefaultHealthCheckInitialDelay = 100 * time.Millisecond
)

var ErrSupervisorClosed = errors.New("driver supervisor is closed")

// ClientFactory opens a new connection to the resource manager.
type ClientFactory func(ctx context.Context) (resourcemanager.Client, error)

// MetricsReporter receives the Supervisor's restart and health-check events.
type MetricsReporter interface {
	ObserveSupervisorRestart()
	ObserveFailedHealthCheck()
}

type Options struct {
	HealthCheckInterval     time.Duration
	HealthCheckInitialDelay time.Duration
}

// handle is one generation of the resource manager connection.
type handle struct {
	client     resourcemanager.Client
	generation uint64
}

// Supervisor owns the process-wide resource manager connection.
//
// The connection is created lazily by the first call to Acquire. A background goroutine pings it
// periodically and replaces it if it fails two consecutive pings. Callers must not close the
// clients they acquire.
type Supervisor struct {
	log logger.Logger

	factory ClientFactory
	metrics MetricsReporter
	opts    Options

	// mu serializes creation and replacement of the handle.
	mu         sync.Mutex
	current    atomic.Pointer[handle]
	generation uint64

	healthCheckOnce   sync.Once
	healthCheckStarts atomic.Int32
	cancel            context.CancelFunc
	done              chan struct{}

	closed atomic.Bool
}

// NewSupervisor creates a Supervisor and starts its health check. metrics may be nil.
func NewSupervisor(factory ClientFactory, opts Options, metrics MetricsReporter) *Supervisor {
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}

	if opts.HealthCheckInitialDelay <= 0 {
		opts.HealthCheckInitialDelay = DefaultHealthCheckInitialDelay
	}

	s := &Supervisor{
		factory: factory,
		metrics: metrics,
		opts:    opts,
		done:    make(chan struct{}),
	}
	config.InitLogger(&s.log, s)

	s.startHealthCheck()

	return s
}

// Acquire returns the current client, creating it if there is none.
func (s *Supervisor) Acquire(ctx context.Context) (resourcemanager.Client, error) {
	if s.closed.Load() {
		return nil, ErrSupervisorClosed
	}

	if h := s.current.Load(); h != nil {
		return h.client, nil
	}

	return s.acquireSlow(ctx)
}

// acquireSlow creates the client under the lock. Close may have emptied the slot after the caller
// last checked, so closed is checked again.
func (s *Supervisor) acquireSlow(ctx context.Context) (resourcemanager.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorClosed
	}

	if h := s.current.Load(); h != nil {
		return h.client, nil
	}

	h, err := s.createLocked(ctx)
	if err != nil {
		return nil, err
	}

	return h.client, nil
}

// Restart closes the current client, if any, and replaces it with a new one.
//
// If the new client cannot be created, the slot is left empty and the error is returned. The next
// call to Acquire will try again.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSupervisorClosed
	}

	_, err := s.restartLocked(ctx)
	return err
}

// Generation returns the generation of the current client, or 0 if there is none.
func (s *Supervisor) Generation() uint64 {
	if h := s.current.Load(); h != nil {
		return h.generation
	}

	return 0
}

// Close stops the health check, waits for it to exit, and closes the current client.
func (s *Supervisor) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.current.Swap(nil)
	if h == nil {
		return nil
	}

	s.log.Debug("Closing resource manager client (generation %d).", h.generation)
	return h.client.Close()
}

// createLocked must be called with mu held.
func (s *Supervisor) createLocked(ctx context.Context) (*handle, error) {
	client, err := s.factory(ctx)
	if err != nil {
		s.log.Error("Failed to connect to the resource manager: %v", err)
		return nil, pkgerrors.Wrap(err, "failed to connect to the resource manager")
	}

	s.generation += 1
	h := &handle{client: client, generation: s.generation}
	s.current.Store(h)

	s.log.Debug("Connected to the resource manager (generation %d).", h.generation)
	return h, nil
}

// restartLocked must be called with mu held.
func (s *Supervisor) restartLocked(ctx context.Context) (*handle, error) {
	if old := s.current.Swap(nil); old != nil {
		s.log.Warn(utils.OrangeStyle.Render("Restarting resource manager client (generation %d)."), old.generation)

		if err := old.client.Close(); err != nil {
			s.log.Warn("Error while closing resource manager client (generation %d): %v", old.generation, err)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveSupervisorRestart()
	}

	return s.createLocked(ctx)
}

// checkHealth pings the current client. If the ping fails, the client is pinged a second time while
// holding the lock, since another goroutine may have already replaced it, and is restarted if that
// ping fails as well.
func (s *Supervisor) checkHealth(ctx context.Context) {
	client, err := s.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrSupervisorClosed) {
			s.log.Warn("Health check could not acquire a resource manager client: %v", err)
			s.observeFailedHealthCheck()
		}
		return
	}

	if err = client.Ping(ctx); err == nil {
		return
	}

	s.log.Warn("Resource manager health check failed: %v", err)
	s.observeFailedHealthCheck()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return
	}

	h := s.current.Load()
	if h == nil {
		if _, err = s.createLocked(ctx); err != nil {
			s.observeFailedHealthCheck()
		}
		return
	}

	if err = h.client.Ping(ctx); err == nil {
		s.log.Debug("Resource manager client (generation %d) recovered.", h.generation)
		return
	}

	if _, err = s.restartLocked(ctx); err != nil {
		s.log.Error(utils.RedStyle.Render("Failed to restart resource manager client: %v"), err)
		return
	}

	s.log.Info(utils.GreenStyle.Render("Restarted resource manager client (generation %d)."), s.generation)
}

func (s *Supervisor) observeFailedHealthCheck() {
	if s.metrics != nil {
		s.metrics.ObserveFailedHealthCheck()
	}
}

func (s *Supervisor) startHealthCheck() {
	s.healthCheckOnce.Do(func() {
		s.healthCheckStarts.Add(1)

		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel

		go s.runHealthCheck(ctx)
	})
}

func (s *Supervisor) runHealthCheck(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.opts.HealthCheckInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, s.opts.HealthCheckInterval)
		s.checkHealth(checkCtx)
		cancel()

		timer.Reset(s.opts.HealthCheckInterval)
	}
}
