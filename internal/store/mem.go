package store

import (
	"sync"
)

// MemStore is an in-memory store for tests and dry runs.
type MemStore struct {
	mu     sync.Mutex
	counts map[int]uint64
	writes int
	fail   error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{counts: make(map[int]uint64)}
}

// Write records count. It fails with the configured error, if any.
func (m *MemStore) Write(meter int, count uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return storageErr("write", meter, m.fail)
	}
	m.counts[meter] = count
	m.writes++
	return nil
}

// Load returns the last written count.
func (m *MemStore) Load(meter int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[meter], nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

// SetError makes subsequent writes fail with err. Pass nil to recover.
func (m *MemStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Writes returns the number of successful writes.
func (m *MemStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
