package terminology

import (
	"context"
	"strings"
	"sync"
)

// MemoryCodeRepository is an in-memory CodeRepository seeded at construction.
// It backs tests, mock mode, and small embedded reference sets.
type MemoryCodeRepository struct {
	byCode map[string]*Code
	codes  []*Code
}

// NewMemoryCodeRepository creates a repository over the given codes.
func NewMemoryCodeRepository(codes []*Code) *MemoryCodeRepository {
	byCode := make(map[string]*Code, len(codes))
	for _, c := range codes {
		byCode[c.Code] = c
	}
	return &MemoryCodeRepository{byCode: byCode, codes: codes}
}

// GetByCode implements CodeRepository. A missing code returns (nil, nil).
func (r *MemoryCodeRepository) GetByCode(_ context.Context, code string) (*Code, error) {
	return r.byCode[code], nil
}

// Search implements CodeRepository with case-insensitive substring match on
// display and synonyms.
func (r *MemoryCodeRepository) Search(_ context.Context, query string, limit int) ([]*Code, error) {
	q := strings.ToLower(query)
	var out []*Code
	for _, c := range r.codes {
		if strings.Contains(strings.ToLower(c.Display), q) || synonymMatch(c, q) {
			out = append(out, c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func synonymMatch(c *Code, q string) bool {
	for _, syn := range c.Synonyms {
		if strings.Contains(strings.ToLower(syn), q) {
			return true
		}
	}
	return false
}

// MemoryMappingRepository is a thread-safe in-memory MappingRepository.
type MemoryMappingRepository struct {
	mu       sync.RWMutex
	mappings map[string]*VerifiedMapping
}

// NewMemoryMappingRepository creates an empty repository.
func NewMemoryMappingRepository() *MemoryMappingRepository {
	return &MemoryMappingRepository{mappings: make(map[string]*VerifiedMapping)}
}

func mappingKey(sourceSystem, localCode string) string {
	return sourceSystem + "|" + localCode
}

// Get implements MappingRepository. A missing mapping returns (nil, nil).
func (r *MemoryMappingRepository) Get(_ context.Context, sourceSystem, localCode string) (*VerifiedMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[mappingKey(sourceSystem, localCode)]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

// Put implements MappingRepository; an existing key is overwritten.
func (r *MemoryMappingRepository) Put(_ context.Context, m *VerifiedMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *m
	r.mappings[mappingKey(m.SourceSystem, m.LocalCode)] = &clone
	return nil
}

// ListBySource implements MappingRepository.
func (r *MemoryMappingRepository) ListBySource(_ context.Context, sourceSystem string, limit, offset int) ([]*VerifiedMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*VerifiedMapping
	skipped := 0
	for _, m := range r.mappings {
		if m.SourceSystem != sourceSystem {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		clone := *m
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
