package bytestore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// Memory is an in-process Store backed by a mutex-guarded map. Expired
// entries are dropped lazily on read. Suitable for tests and single-process
// deployments that want overflow without an external backend.
type Memory struct {
	mu sync.Mutex
	m  map[string]memoryEntry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{m: make(map[string]memoryEntry)}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(s.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (s *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.m[key] = memoryEntry{v: value, exp: exp}
	s.mu.Unlock()
	return nil
}

func (s *Memory) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Clear(_ context.Context, prefix string) error {
	s.mu.Lock()
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			delete(s.m, k)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Memory) Close(_ context.Context) error { return nil }

// Len reports the number of stored entries, counting expired ones not yet
// dropped.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
