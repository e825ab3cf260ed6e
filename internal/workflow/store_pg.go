package workflow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// PGCheckpointStore persists checkpoints to workflow_checkpoints. Rows are
// never updated; Prune deletes everything past the newest N per execution.
type PGCheckpointStore struct {
	pool *pgxpool.Pool
}

// NewPGCheckpointStore creates a PGCheckpointStore backed by the given pool.
func NewPGCheckpointStore(pool *pgxpool.Pool) *PGCheckpointStore {
	return &PGCheckpointStore{pool: pool}
}

// Append implements CheckpointStore.
func (s *PGCheckpointStore) Append(ctx context.Context, cp *Checkpoint) error {
	const query = `
		INSERT INTO workflow_checkpoints (
			id, execution_id, workflow_id, tenant_id, state, state_hash,
			node_id, step_number, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.pool.Exec(ctx, query,
		cp.ID, cp.ExecutionID, cp.WorkflowID, cp.TenantID, cp.State, cp.StateHash,
		cp.NodeID, cp.StepNo, cp.Status, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("workflow pg: insert checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `
	id, execution_id, workflow_id, tenant_id, state, state_hash,
	node_id, step_number, status, created_at`

// Latest implements CheckpointStore.
func (s *PGCheckpointStore) Latest(ctx context.Context, executionID string) (*Checkpoint, error) {
	query := `
		SELECT ` + checkpointColumns + `
		FROM workflow_checkpoints
		WHERE execution_id = $1
		ORDER BY step_number DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, executionID)
	return scanCheckpoint(row, executionID)
}

// At implements CheckpointStore.
func (s *PGCheckpointStore) At(ctx context.Context, executionID string, stepNo int) (*Checkpoint, error) {
	query := `
		SELECT ` + checkpointColumns + `
		FROM workflow_checkpoints
		WHERE execution_id = $1 AND step_number = $2`

	row := s.pool.QueryRow(ctx, query, executionID, stepNo)
	return scanCheckpoint(row, executionID)
}

// ListByExecution implements CheckpointStore.
func (s *PGCheckpointStore) ListByExecution(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	query := `
		SELECT ` + checkpointColumns + `
		FROM workflow_checkpoints
		WHERE execution_id = $1
		ORDER BY step_number`

	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("workflow pg: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows, executionID)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Prune implements CheckpointStore using a window over each execution.
func (s *PGCheckpointStore) Prune(ctx context.Context, keepLatest int) (int, error) {
	const query = `
		DELETE FROM workflow_checkpoints
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY execution_id ORDER BY step_number DESC
				) AS rn
				FROM workflow_checkpoints
			) ranked
			WHERE rn > $1
		)`

	tag, err := s.pool.Exec(ctx, query, keepLatest)
	if err != nil {
		return 0, fmt.Errorf("workflow pg: prune checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanCheckpoint(row pgx.Row, executionID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := row.Scan(
		&cp.ID, &cp.ExecutionID, &cp.WorkflowID, &cp.TenantID, &cp.State, &cp.StateHash,
		&cp.NodeID, &cp.StepNo, &cp.Status, &cp.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.NotFound, "workflow pg: no checkpoint for execution %s", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("workflow pg: scan checkpoint: %w", err)
	}
	return cp, nil
}
