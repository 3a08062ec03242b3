package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Get for a key the store does not hold
var ErrNotFound = errors.New("key not found")

// Store holds the task results of one worker, keyed by task key. Values are
// opaque serialized bytes.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Has(key string) bool
	Delete(keys ...string) error
	Keys() ([]string, error)
	// NBytes returns the stored size of every key
	NBytes() (map[string]int64, error)
	Close() error
}

// Kind selects a Store implementation
type Kind string

const (
	KindMemory Kind = "memory"
	KindBolt   Kind = "bolt"
)

// Open creates a store of the given kind. Bolt stores live in dir.
func Open(kind Kind, dir string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindBolt:
		return NewBoltStore(dir)
	}
	return nil, fmt.Errorf("unknown store kind %q", kind)
}

// MemoryStore keeps everything in a map
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (s *MemoryStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

func (s *MemoryStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) NBytes() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.data))
	for k, v := range s.data {
		out[k] = int64(len(v))
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
