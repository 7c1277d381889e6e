package blob

import (
	"context"
	"sync"
)

// MemoryStore keeps blobs in a map. It backs tests and throwaway sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Identity][]byte
	used  int64
	max   int64
}

// NewMemoryStore creates an empty in-memory store. maxBytes of 0 means
// unbounded; the bound is reported, not enforced.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		blobs: make(map[Identity][]byte),
		max:   maxBytes,
	}
}

func (m *MemoryStore) Put(ctx context.Context, key Identity, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.blobs[key]; ok {
		m.used -= int64(len(old))
	}
	m.blobs[key] = append([]byte(nil), data...)
	m.used += int64(len(data))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key Identity) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrMissing
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.blobs[key]; ok {
		m.used -= int64(len(old))
		delete(m.blobs, key)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key Identity) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *MemoryStore) MaxDiskUsage() int64 { return m.max }

func (m *MemoryStore) CurrentDiskUsage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Len reports the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Keys returns a snapshot of all stored keys.
func (m *MemoryStore) Keys() []Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Identity, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryStore) Close() error { return nil }
