package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// Execution statuses recorded on checkpoints. A run's final checkpoint
// carries the terminal status; intermediate ones are running.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPaused    = "paused"
	StatusError     = "error"
	StatusMaxSteps  = "max_steps"
)

// Checkpoint is one durable snapshot of execution state at a node boundary.
// StepNo is strictly monotonic per execution.
type Checkpoint struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	TenantID    string          `json:"tenant_id"`
	NodeID      string          `json:"node_id"`
	StepNo      int             `json:"step_number"`
	State       json.RawMessage `json:"state"`
	StateHash   string          `json:"state_hash"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CheckpointStore persists checkpoints. Append-only; Prune is the one
// sanctioned deletion path and keeps the latest N per execution.
type CheckpointStore interface {
	Append(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, executionID string) (*Checkpoint, error)
	At(ctx context.Context, executionID string, stepNo int) (*Checkpoint, error)
	ListByExecution(ctx context.Context, executionID string) ([]*Checkpoint, error)
	Prune(ctx context.Context, keepLatest int) (int, error)
}

// MemoryCheckpointStore is the in-process CheckpointStore used by tests and
// single-node deployments.
type MemoryCheckpointStore struct {
	mu     sync.Mutex
	byExec map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty MemoryCheckpointStore.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{byExec: make(map[string][]*Checkpoint)}
}

// Append implements CheckpointStore.
func (s *MemoryCheckpointStore) Append(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl := *cp
	cl.State = append(json.RawMessage(nil), cp.State...)
	s.byExec[cp.ExecutionID] = append(s.byExec[cp.ExecutionID], &cl)
	return nil
}

// Latest implements CheckpointStore.
func (s *MemoryCheckpointStore) Latest(ctx context.Context, executionID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.byExec[executionID]
	if len(cps) == 0 {
		return nil, errs.New(errs.NotFound, "workflow: no checkpoints for execution %s", executionID)
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.StepNo > latest.StepNo {
			latest = cp
		}
	}
	cl := *latest
	return &cl, nil
}

// At implements CheckpointStore.
func (s *MemoryCheckpointStore) At(ctx context.Context, executionID string, stepNo int) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cp := range s.byExec[executionID] {
		if cp.StepNo == stepNo {
			cl := *cp
			return &cl, nil
		}
	}
	return nil, errs.New(errs.NotFound, "workflow: no checkpoint at step %d for execution %s", stepNo, executionID)
}

// ListByExecution implements CheckpointStore, ordered by step.
func (s *MemoryCheckpointStore) ListByExecution(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.byExec[executionID]
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		cl := *cp
		out[i] = &cl
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNo < out[j].StepNo })
	return out, nil
}

// Prune implements CheckpointStore and the retention pruner contract.
func (s *MemoryCheckpointStore) Prune(ctx context.Context, keepLatest int) (int, error) {
	if keepLatest <= 0 {
		return 0, errs.New(errs.Validation, "workflow: keepLatest must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for execID, cps := range s.byExec {
		if len(cps) <= keepLatest {
			continue
		}
		sort.Slice(cps, func(i, j int) bool { return cps[i].StepNo > cps[j].StepNo })
		removed += len(cps) - keepLatest
		s.byExec[execID] = cps[:keepLatest]
	}
	return removed, nil
}
