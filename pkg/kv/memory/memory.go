package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/chatdigest/chatdigest/pkg/kv"
)

// Store keeps key-value pairs in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// New creates an in-memory key-value backend
func New() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

// Get returns the value stored under key, or kv.ErrNotFound
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}

	// Copy so callers can't mutate stored bytes
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores value under key
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

// Delete removes key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// ListKeys returns all keys beginning with prefix, in lexical order
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for memory storage
func (s *Store) Close() error {
	return nil
}
