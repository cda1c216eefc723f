package checkpoint

import (
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in memory. Data is lost on restart.
// It backs checkpoint.backend: memory, used for dry runs with send disabled.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]int64
	now    func() time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]int64),
		now:    time.Now,
	}
}

// Read returns the stored value or the current time.
func (s *MemoryStore) Read(key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ts, ok := s.values[key]; ok {
		return ts, nil
	}
	return unixNow(s.now), nil
}

// Write stores ts under key.
func (s *MemoryStore) Write(key string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = ts
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
