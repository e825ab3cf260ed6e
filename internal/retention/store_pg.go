package retention

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// PGStore exposes the entity tables to the sweeper. Each retention resource
// type maps onto one table; tables must carry id, tenant_id, updated_at and
// deleted_at columns.
type PGStore struct {
	pool   *pgxpool.Pool
	tables map[string]string
}

// DefaultTables is the resource-type to table mapping for the baseline
// retention policies.
func DefaultTables() map[string]string {
	return map[string]string{
		"medical_record": "observations",
		"billing_record": "encounters",
		"consent_record": "consent",
	}
}

// NewPGStore creates a PGStore over the given table mapping.
func NewPGStore(pool *pgxpool.Pool, tables map[string]string) *PGStore {
	return &PGStore{pool: pool, tables: tables}
}

func (s *PGStore) table(resourceType string) (string, error) {
	t, ok := s.tables[resourceType]
	if !ok {
		return "", errs.New(errs.Validation, "retention: no table mapped for resource type %q", resourceType)
	}
	return t, nil
}

// ListCandidates implements Store.
func (s *PGStore) ListCandidates(ctx context.Context, resourceType string, cutoff time.Time, limit int) ([]Item, error) {
	table, err := s.table(resourceType)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT id, tenant_id, updated_at, deleted_at
		FROM ` + table + `
		WHERE COALESCE(deleted_at, updated_at) < $1
		ORDER BY updated_at
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "retention: list %s candidates", resourceType)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it := Item{ResourceType: resourceType}
		if err := rows.Scan(&it.ResourceID, &it.TenantID, &it.UpdatedAt, &it.SoftDeletedAt); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "retention: scan %s candidate", resourceType)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SoftDelete implements Store.
func (s *PGStore) SoftDelete(ctx context.Context, it Item) error {
	table, err := s.table(it.ResourceType)
	if err != nil {
		return err
	}
	query := `UPDATE ` + table + ` SET deleted_at = NOW() WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	if _, err := s.pool.Exec(ctx, query, it.TenantID, it.ResourceID); err != nil {
		return errs.Wrap(errs.Internal, err, "retention: soft delete %s/%s", it.ResourceType, it.ResourceID)
	}
	return nil
}

// HardDelete implements Store.
func (s *PGStore) HardDelete(ctx context.Context, it Item) error {
	table, err := s.table(it.ResourceType)
	if err != nil {
		return err
	}
	query := `DELETE FROM ` + table + ` WHERE tenant_id = $1 AND id = $2`
	if _, err := s.pool.Exec(ctx, query, it.TenantID, it.ResourceID); err != nil {
		return errs.Wrap(errs.Internal, err, "retention: hard delete %s/%s", it.ResourceType, it.ResourceID)
	}
	return nil
}
