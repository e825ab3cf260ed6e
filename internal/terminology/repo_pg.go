package terminology

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCodeRepository reads one code system's reference table. The table name is
// fixed at construction (loinc_codes, icd10_codes, snomed_codes, rxnorm_codes,
// cpt_codes) and all tables share the (code, display, system_uri, category)
// column shape.
type PGCodeRepository struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGCodeRepository creates a repository over the named reference table.
func NewPGCodeRepository(pool *pgxpool.Pool, table string) *PGCodeRepository {
	return &PGCodeRepository{pool: pool, table: table}
}

// GetByCode implements CodeRepository.
func (r *PGCodeRepository) GetByCode(ctx context.Context, code string) (*Code, error) {
	query := fmt.Sprintf(
		`SELECT code, display, system_uri, COALESCE(category, '') FROM %s WHERE code = $1`, r.table)

	c := &Code{}
	err := r.pool.QueryRow(ctx, query, code).Scan(&c.Code, &c.Display, &c.SystemURI, &c.Category)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("terminology pg: get %s %q: %w", r.table, code, err)
	}
	return c, nil
}

// Search implements CodeRepository using trigram-friendly ILIKE matching.
func (r *PGCodeRepository) Search(ctx context.Context, q string, limit int) ([]*Code, error) {
	query := fmt.Sprintf(
		`SELECT code, display, system_uri, COALESCE(category, '')
		 FROM %s WHERE display ILIKE '%%' || $1 || '%%'
		 ORDER BY display LIMIT $2`, r.table)

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, query, q, limit)
	if err != nil {
		return nil, fmt.Errorf("terminology pg: search %s: %w", r.table, err)
	}
	defer rows.Close()

	var out []*Code
	for rows.Next() {
		c := &Code{}
		if err := rows.Scan(&c.Code, &c.Display, &c.SystemURI, &c.Category); err != nil {
			return nil, fmt.Errorf("terminology pg: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PGMappingRepository persists verified mappings in the verified_mapping
// table with a unique (source_system, local_code) key.
type PGMappingRepository struct {
	pool *pgxpool.Pool
}

// NewPGMappingRepository creates the repository.
func NewPGMappingRepository(pool *pgxpool.Pool) *PGMappingRepository {
	return &PGMappingRepository{pool: pool}
}

// Get implements MappingRepository.
func (r *PGMappingRepository) Get(ctx context.Context, sourceSystem, localCode string) (*VerifiedMapping, error) {
	const query = `
		SELECT source_system, local_code, COALESCE(local_desc, ''), std_code, std_system,
		       std_desc, confidence, verified_by, verified_at
		FROM verified_mapping
		WHERE source_system = $1 AND local_code = $2`

	m := &VerifiedMapping{}
	err := r.pool.QueryRow(ctx, query, sourceSystem, localCode).Scan(
		&m.SourceSystem, &m.LocalCode, &m.LocalDesc, &m.StdCode, &m.StdSystem,
		&m.StdDesc, &m.Confidence, &m.VerifiedBy, &m.VerifiedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("terminology pg: get mapping: %w", err)
	}
	return m, nil
}

// Put implements MappingRepository via upsert; newer verifications overwrite.
func (r *PGMappingRepository) Put(ctx context.Context, m *VerifiedMapping) error {
	const query = `
		INSERT INTO verified_mapping (
			source_system, local_code, local_desc, std_code, std_system,
			std_desc, confidence, verified_by, verified_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_system, local_code) DO UPDATE SET
			local_desc = EXCLUDED.local_desc,
			std_code = EXCLUDED.std_code,
			std_system = EXCLUDED.std_system,
			std_desc = EXCLUDED.std_desc,
			confidence = EXCLUDED.confidence,
			verified_by = EXCLUDED.verified_by,
			verified_at = EXCLUDED.verified_at`

	_, err := r.pool.Exec(ctx, query,
		m.SourceSystem, m.LocalCode, m.LocalDesc, m.StdCode, m.StdSystem,
		m.StdDesc, m.Confidence, m.VerifiedBy, m.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("terminology pg: put mapping: %w", err)
	}
	return nil
}

// ListBySource implements MappingRepository.
func (r *PGMappingRepository) ListBySource(ctx context.Context, sourceSystem string, limit, offset int) ([]*VerifiedMapping, error) {
	const query = `
		SELECT source_system, local_code, COALESCE(local_desc, ''), std_code, std_system,
		       std_desc, confidence, verified_by, verified_at
		FROM verified_mapping
		WHERE source_system = $1
		ORDER BY local_code
		LIMIT $2 OFFSET $3`

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, sourceSystem, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("terminology pg: list mappings: %w", err)
	}
	defer rows.Close()

	var out []*VerifiedMapping
	for rows.Next() {
		m := &VerifiedMapping{}
		if err := rows.Scan(
			&m.SourceSystem, &m.LocalCode, &m.LocalDesc, &m.StdCode, &m.StdSystem,
			&m.StdDesc, &m.Confidence, &m.VerifiedBy, &m.VerifiedAt,
		); err != nil {
			return nil, fmt.Errorf("terminology pg: scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
