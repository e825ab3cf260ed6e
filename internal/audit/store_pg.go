package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists audit entries to the append-only audit_log table. The
// table has no UPDATE or DELETE path; retention on audit data is handled by
// partition rotation outside this service.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Append implements Store.
func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	const query = `
		INSERT INTO audit_log (
			id, ts, category, action, actor_id, actor_email, tenant_id,
			resource_type, resource_id, patient_id, purpose, outcome, severity,
			ip, metadata, prev_hash, hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.TS, e.Category, e.Action, e.ActorID, e.ActorEmail, e.TenantID,
		e.ResourceType, e.ResourceID, e.PatientID, e.Purpose, e.Outcome, e.Severity,
		e.IP, e.Metadata, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("audit pg: insert: %w", err)
	}
	return nil
}

// List implements Store.
func (s *PGStore) List(ctx context.Context, tenantID string, limit, offset int) ([]*Entry, error) {
	const query = `
		SELECT id, ts, category, action, actor_id, actor_email, tenant_id,
		       resource_type, resource_id, patient_id, purpose, outcome, severity,
		       ip, metadata, prev_hash, hash
		FROM audit_log
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY ts, id
		LIMIT $2 OFFSET $3`

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit pg: list: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Walk implements Store, streaming the full chain in append order.
func (s *PGStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	const query = `
		SELECT id, ts, category, action, actor_id, actor_email, tenant_id,
		       resource_type, resource_id, patient_id, purpose, outcome, severity,
		       ip, metadata, prev_hash, hash
		FROM audit_log
		ORDER BY ts, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("audit pg: walk: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastHash implements Store.
func (s *PGStore) LastHash(ctx context.Context) (string, error) {
	const query = `SELECT hash FROM audit_log ORDER BY ts DESC, id DESC LIMIT 1`

	var hash string
	err := s.pool.QueryRow(ctx, query).Scan(&hash)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audit pg: last hash: %w", err)
	}
	return hash, nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows pgx.Rows) (*Entry, error) {
	e := &Entry{}
	err := rows.Scan(
		&e.ID, &e.TS, &e.Category, &e.Action, &e.ActorID, &e.ActorEmail, &e.TenantID,
		&e.ResourceType, &e.ResourceID, &e.PatientID, &e.Purpose, &e.Outcome, &e.Severity,
		&e.IP, &e.Metadata, &e.PrevHash, &e.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("audit pg: scan: %w", err)
	}
	return e, nil
}
