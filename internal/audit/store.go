package audit

import (
	"context"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store. It is a first-class
// implementation used in tests and mock mode, not a stub.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *e
	m.entries = append(m.entries, &clone)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, tenantID string, limit, offset int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	skipped := 0
	for _, e := range m.entries {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		clone := *e
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Walk implements Store, visiting entries in append order.
func (m *MemoryStore) Walk(_ context.Context, fn func(*Entry) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// LastHash implements Store.
func (m *MemoryStore) LastHash(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return "", nil
	}
	return m.entries[len(m.entries)-1].Hash, nil
}

// Tamper mutates the entry at index idx via fn. Test helper for integrity
// verification; a production store has no mutation path.
func (m *MemoryStore) Tamper(idx int, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= 0 && idx < len(m.entries) {
		fn(m.entries[idx])
	}
}
