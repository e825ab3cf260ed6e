package terminology

import "context"

// CodeRepository provides access to one standard code system.
type CodeRepository interface {
	GetByCode(ctx context.Context, code string) (*Code, error)
	Search(ctx context.Context, query string, limit int) ([]*Code, error)
}

// MappingRepository persists expert-verified mappings.
type MappingRepository interface {
	Get(ctx context.Context, sourceSystem, localCode string) (*VerifiedMapping, error)
	Put(ctx context.Context, m *VerifiedMapping) error
	ListBySource(ctx context.Context, sourceSystem string, limit, offset int) ([]*VerifiedMapping, error)
}
