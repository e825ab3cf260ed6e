package consent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists consents in the consent table with provisions as a JSONB
// column; provision matching happens in the engine, not in SQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ListByPatient implements Store.
func (s *PGStore) ListByPatient(ctx context.Context, tenantID, patientID string) ([]*Consent, error) {
	const query = `
		SELECT id, tenant_id, patient_id, scope, status, granted_at, expires_at, provisions
		FROM consent
		WHERE tenant_id = $1 AND patient_id = $2
		ORDER BY granted_at`

	rows, err := s.pool.Query(ctx, query, tenantID, patientID)
	if err != nil {
		return nil, fmt.Errorf("consent pg: list: %w", err)
	}
	defer rows.Close()

	var out []*Consent
	for rows.Next() {
		c := &Consent{}
		var provisions []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &c.PatientID, &c.Scope, &c.Status,
			&c.GrantedAt, &c.ExpiresAt, &provisions); err != nil {
			return nil, fmt.Errorf("consent pg: scan: %w", err)
		}
		if len(provisions) > 0 {
			if err := json.Unmarshal(provisions, &c.Provisions); err != nil {
				return nil, fmt.Errorf("consent pg: provisions for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Put implements Store with an upsert on the consent id.
func (s *PGStore) Put(ctx context.Context, c *Consent) error {
	const query = `
		INSERT INTO consent (id, tenant_id, patient_id, scope, status, granted_at, expires_at, provisions)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			provisions = EXCLUDED.provisions`

	provisions, err := json.Marshal(c.Provisions)
	if err != nil {
		return fmt.Errorf("consent pg: marshal provisions: %w", err)
	}
	_, err = s.pool.Exec(ctx, query,
		c.ID, c.TenantID, c.PatientID, c.Scope, c.Status, c.GrantedAt, c.ExpiresAt, provisions)
	if err != nil {
		return fmt.Errorf("consent pg: upsert: %w", err)
	}
	return nil
}
