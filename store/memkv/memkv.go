// Package memkv implements an in-memory external.KVStore, used by tests and
// by single-process agent deployments that do not need durability.
package memkv

import (
	"context"
	"sync"

	"github.com/veilmesh/pdn/external"
)

// Store is a process-local, partition-scoped key-value store.
type Store struct {
	mu     *sync.RWMutex
	data   map[string][]byte
	prefix string
}

// New returns an empty root Store.
func New() *Store {
	return &Store{mu: &sync.RWMutex{}, data: make(map[string][]byte)}
}

func (s *Store) full(key string) string { return s.prefix + key }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[s.full(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[s.full(key)] = cp
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.full(key))
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if len(s.prefix) == 0 || (len(k) >= len(s.prefix) && k[:len(s.prefix)] == s.prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.data {
		if len(k) >= len(s.prefix) && k[:len(s.prefix)] == s.prefix {
			out = append(out, k[len(s.prefix):])
		}
	}
	return out, nil
}

func (s *Store) Values(ctx context.Context) ([][]byte, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Partition returns a view of the same underlying map scoped under an
// additional prefix segment, so unrelated logical namespaces (private
// records, public records, DMs) never collide on key names.
func (s *Store) Partition(name string) external.KVStore {
	return &Store{mu: s.mu, data: s.data, prefix: s.prefix + name + "/"}
}
