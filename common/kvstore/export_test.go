package kvstore

func (s *MemoryStore) NumWaiters(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.waiters[key])
}
