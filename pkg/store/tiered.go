package store

import (
	"fmt"
	"path"
	"sync"

	"github.com/spf13/afero"
	"github.com/srand/grid/pkg/log"
	"github.com/srand/grid/pkg/utils"
)

type tieredEntry struct {
	// In-memory value, nil if the value lives on disk.
	value []byte

	// Path of the on-disk value, empty if in memory.
	path string

	size int64
}

type tieredStore struct {
	sync.RWMutex

	fs afero.Fs

	// Values at least this large are written to the file tier.
	threshold int64

	entries map[string]*tieredEntry
	nbytes  int64
}

// NewTieredStore creates a store that keeps small values in memory
// and writes large values to the given filesystem.
// Eviction policy is out of scope here; the store only provides
// the two tiers.
func NewTieredStore(fs afero.Fs, threshold int64) Store {
	return &tieredStore{
		fs:        fs,
		threshold: threshold,
		entries:   map[string]*tieredEntry{},
	}
}

func (s *tieredStore) pathFromKey(key string) string {
	hex, _ := utils.Sha1String(key)
	return path.Join("values", hex[:2], hex[2:])
}

func (s *tieredStore) Put(key string, value []byte) error {
	s.Lock()
	defer s.Unlock()

	if err := s.deleteNoLock(key); err != nil {
		return err
	}

	entry := &tieredEntry{size: int64(len(value))}

	if entry.size >= s.threshold {
		entry.path = s.pathFromKey(key)

		if err := s.fs.MkdirAll(path.Dir(entry.path), 0777); err != nil {
			return err
		}
		if err := afero.WriteFile(s.fs, entry.path, value, 0666); err != nil {
			return err
		}

		log.Tracef("put - value - key: %s, size: %s, tier: file",
			key, utils.HumanByteSize(entry.size))
	} else {
		entry.value = value
	}

	s.entries[key] = entry
	s.nbytes += entry.size
	return nil
}

func (s *tieredStore) Get(key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrNotFound, key)
	}

	if entry.path != "" {
		return afero.ReadFile(s.fs, entry.path)
	}
	return entry.value, nil
}

func (s *tieredStore) Has(key string) bool {
	s.RLock()
	defer s.RUnlock()

	_, ok := s.entries[key]
	return ok
}

func (s *tieredStore) deleteNoLock(key string) error {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}

	if entry.path != "" {
		if err := s.fs.Remove(entry.path); err != nil {
			return err
		}
	}

	s.nbytes -= entry.size
	delete(s.entries, key)
	return nil
}

func (s *tieredStore) Delete(key string) error {
	s.Lock()
	defer s.Unlock()
	return s.deleteNoLock(key)
}

func (s *tieredStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.entries)
}

func (s *tieredStore) NBytes() int64 {
	s.RLock()
	defer s.RUnlock()
	return s.nbytes
}

func (s *tieredStore) Keys() []string {
	s.RLock()
	defer s.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}
