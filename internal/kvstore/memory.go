package kvstore

import "sync"

type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	if !ValidKey(key) {
		return nil, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	if !ValidKey(key) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = cloneBytes(value)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
