package store

import (
	"fmt"
	"sync"

	"github.com/srand/grid/pkg/utils"
)

type memoryStore struct {
	sync.RWMutex

	values map[string][]byte
	nbytes int64
}

// NewMemoryStore creates a store keeping all values in memory.
func NewMemoryStore() Store {
	return &memoryStore{
		values: map[string][]byte{},
	}
}

func (s *memoryStore) Put(key string, value []byte) error {
	s.Lock()
	defer s.Unlock()

	if old, ok := s.values[key]; ok {
		s.nbytes -= int64(len(old))
	}

	s.values[key] = value
	s.nbytes += int64(len(value))
	return nil
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrNotFound, key)
	}
	return value, nil
}

func (s *memoryStore) Has(key string) bool {
	s.RLock()
	defer s.RUnlock()

	_, ok := s.values[key]
	return ok
}

func (s *memoryStore) Delete(key string) error {
	s.Lock()
	defer s.Unlock()

	if value, ok := s.values[key]; ok {
		s.nbytes -= int64(len(value))
		delete(s.values, key)
	}
	return nil
}

func (s *memoryStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.values)
}

func (s *memoryStore) NBytes() int64 {
	s.RLock()
	defer s.RUnlock()
	return s.nbytes
}

func (s *memoryStore) Keys() []string {
	s.RLock()
	defer s.RUnlock()

	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	return keys
}
