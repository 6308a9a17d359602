// ABOUTME: In-memory backend for unit tests
// ABOUTME: Copies bytes on read and write so callers cannot alias stored data

package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps documents in a map.
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

// Get returns a copy of the stored bytes.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data.
func (b *MemoryBackend) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.docs[key] = append([]byte(nil), data...)
	return nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error {
	return nil
}

// NewMemoryStore is a convenience for tests.
func NewMemoryStore() *Store {
	return New(NewMemoryBackend(), nil)
}
