package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-memory BlobStore with error injection for tests.
type MemoryStore struct {
	blobs        map[string][]byte
	putError     error
	getError     error
	deleteError  error
	putCallCount int
	getCallCount int
	mu           sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// SetPutError makes every Put fail with err (nil clears it).
func (m *MemoryStore) SetPutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putError = err
}

// SetGetError makes every Get fail with err (nil clears it).
func (m *MemoryStore) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getError = err
}

// SetDeleteError makes every Delete fail with err (nil clears it).
func (m *MemoryStore) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteError = err
}

// PutCallCount returns how many times Put was called.
func (m *MemoryStore) PutCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCallCount
}

// GetCallCount returns how many times Get was called.
func (m *MemoryStore) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCallCount
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCallCount++
	if m.putError != nil {
		return m.putError
	}
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCallCount++
	if m.getError != nil {
		return nil, m.getError
	}
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteError != nil {
		return m.deleteError
	}
	delete(m.blobs, key)
	return nil
}
