// Package dedupe maintains the content-digest index used to
// short-circuit uploads of byte-identical payloads.
package dedupe

import (
	"context"
	"sync"
)

// Index maps sha256 hex digests to blob identifiers. Implementations
// must be safe for concurrent use. Entries are advisory: callers
// verify a hit against the actual blob before trusting it.
type Index interface {
	// Get returns the identifier recorded for digest, if any.
	Get(ctx context.Context, digest string) (string, bool, error)
	// Put records digest -> id, overwriting any previous entry.
	Put(ctx context.Context, digest, id string) error
	// Delete drops the entry for digest. Absent entries are not an error.
	Delete(ctx context.Context, digest string) error
	// Replace atomically swaps the whole index for entries.
	Replace(ctx context.Context, entries map[string]string) error
	Close() error
}

// MemoryIndex keeps the digest index in process memory. Suitable for
// tests and for engines whose index does not need to survive restarts;
// RebuildIndex repopulates it from the metadata sidecars.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]string)}
}

func (m *MemoryIndex) Get(ctx context.Context, digest string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[digest]
	return id, ok, nil
}

func (m *MemoryIndex) Put(ctx context.Context, digest, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[digest] = id
	return nil
}

func (m *MemoryIndex) Delete(ctx context.Context, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, digest)
	return nil
}

func (m *MemoryIndex) Replace(ctx context.Context, entries map[string]string) error {
	next := make(map[string]string, len(entries))
	for digest, id := range entries {
		next[digest] = id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = next
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
