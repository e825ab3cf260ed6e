package consent

import (
	"context"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store keyed by tenant and patient.
type MemoryStore struct {
	mu       sync.RWMutex
	consents map[string][]*Consent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consents: make(map[string][]*Consent)}
}

func storeKey(tenantID, patientID string) string {
	return tenantID + "|" + patientID
}

// ListByPatient implements Store.
func (s *MemoryStore) ListByPatient(_ context.Context, tenantID, patientID string) ([]*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.consents[storeKey(tenantID, patientID)]
	out := make([]*Consent, 0, len(src))
	for _, c := range src {
		clone := *c
		out = append(out, &clone)
	}
	return out, nil
}

// Put implements Store; a consent with a matching ID is replaced.
func (s *MemoryStore) Put(_ context.Context, c *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(c.TenantID, c.PatientID)
	clone := *c
	for i, existing := range s.consents[key] {
		if existing.ID == c.ID {
			s.consents[key][i] = &clone
			return nil
		}
	}
	s.consents[key] = append(s.consents[key], &clone)
	return nil
}
