package store

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	gets  map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		gets:  make(map[string]int),
	}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr := Address(data)
	m.mu.Lock()
	m.blobs[addr] = bytes.Clone(data)
	m.mu.Unlock()
	return addr, nil
}

func (m *MemoryStore) Get(ctx context.Context, address string) ([]byte, error) {
	rc, err := m.Open(ctx, address)
	if err != nil {
		return nil, err
	}
	return readVerified(rc, address)
}

func (m *MemoryStore) Open(ctx context.Context, address string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	data, ok := m.blobs[address]
	if ok {
		m.gets[address]++
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// Set stores data under address without hashing it. Reads of a mismatched
// blob fail verification.
func (m *MemoryStore) Set(address string, data []byte) {
	m.mu.Lock()
	m.blobs[address] = bytes.Clone(data)
	m.mu.Unlock()
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Fetches returns how many times address has been read.
func (m *MemoryStore) Fetches(address string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gets[address]
}
