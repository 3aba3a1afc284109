package kvstore

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process KeyValueStore. Both sides of the handshake must live in the same process.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	waiters map[string][]chan []byte
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string][]byte),
		waiters: make(map[string][]chan []byte),
	}
}

func (s *MemoryStore) Wait(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}

	if value, ok := s.values[key]; ok {
		s.mu.Unlock()
		return value, nil
	}

	ch := make(chan []byte, 1)
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.removeWaiter(key, ch)
		return nil, ctx.Err()
	case value, ok := <-ch:
		if !ok {
			return nil, ErrStoreClosed
		}

		return value, nil
	}
}

func (s *MemoryStore) removeWaiter(key string, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := slices.DeleteFunc(s.waiters[key], func(waiter chan []byte) bool {
		return waiter == ch
	})
	if len(waiters) == 0 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = waiters
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.values[key] = value
	for _, ch := range s.waiters[key] {
		ch <- value
	}
	delete(s.waiters, key)

	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	for _, waiters := range s.waiters {
		for _, ch := range waiters {
			close(ch)
		}
	}
	s.waiters = nil

	return nil
}
