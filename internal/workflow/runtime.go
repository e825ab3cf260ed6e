package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/killswitch"
	"github.com/aegis-health/aegis/internal/platform/errs"
)

// DefaultMaxSteps bounds execution length when the caller does not override
// it.
const DefaultMaxSteps = 50

// Result is the outcome of a run or replay.
type Result struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Status      string `json:"status"`
	Steps       int    `json:"steps"`
	State       State  `json:"state"`
}

// Runtime executes workflow graphs with a checkpoint per transition.
type Runtime struct {
	checkpoints CheckpointStore
	kill        *killswitch.Switch
	log         zerolog.Logger
	maxSteps    int
	now         func() time.Time
}

// NewRuntime creates a Runtime. kill may be nil, which disables the agent
// gate.
func NewRuntime(checkpoints CheckpointStore, kill *killswitch.Switch, log zerolog.Logger) *Runtime {
	return &Runtime{
		checkpoints: checkpoints,
		kill:        kill,
		log:         log.With().Str("component", "workflow").Logger(),
		maxSteps:    DefaultMaxSteps,
		now:         time.Now,
	}
}

// WithMaxSteps overrides the step cap.
func (r *Runtime) WithMaxSteps(n int) *Runtime {
	if n > 0 {
		r.maxSteps = n
	}
	return r
}

// Run executes g from its start node. A nil initial state starts empty; a
// blank executionID gets a fresh one. Node failures never return an error
// from Run; they land in state.errors with a terminal status instead.
func (r *Runtime) Run(ctx context.Context, g *Graph, executionID, tenantID string, initial State) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if executionID == "" {
		executionID = uuid.NewString()
	}
	if initial == nil {
		initial = State{}
	}
	return r.loop(ctx, g, executionID, tenantID, initial, g.start, 0, "")
}

// Replay resumes an execution from its latest checkpoint. The stored state
// hash is recomputed and compared before the state is trusted; a mismatch is
// an Integrity failure and the execution stays halted.
func (r *Runtime) Replay(ctx context.Context, g *Graph, executionID string) (*Result, error) {
	cp, err := r.checkpoints.Latest(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return r.replayFrom(ctx, g, cp)
}

// ReplayFrom resumes an execution from the checkpoint at the given step.
func (r *Runtime) ReplayFrom(ctx context.Context, g *Graph, executionID string, stepNo int) (*Result, error) {
	cp, err := r.checkpoints.At(ctx, executionID, stepNo)
	if err != nil {
		return nil, err
	}
	return r.replayFrom(ctx, g, cp)
}

func (r *Runtime) replayFrom(ctx context.Context, g *Graph, cp *Checkpoint) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	hash, err := hashStateJSON(cp.State)
	if err != nil {
		return nil, err
	}
	if hash != cp.StateHash {
		return nil, errs.New(errs.Integrity,
			"workflow: checkpoint %s state hash mismatch (stored %s, computed %s)", cp.ID, cp.StateHash, hash)
	}

	var state State
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, errs.Wrap(errs.Integrity, err, "workflow: checkpoint %s state unreadable", cp.ID)
	}

	if cp.NodeID == g.end {
		return &Result{
			ExecutionID: cp.ExecutionID,
			WorkflowID:  g.ID,
			Status:      cp.Status,
			Steps:       cp.StepNo + 1,
			State:       state,
		}, nil
	}

	next, err := g.next(cp.NodeID, state)
	if err != nil {
		return nil, err
	}

	r.log.Info().
		Str("execution_id", cp.ExecutionID).
		Str("workflow_id", g.ID).
		Int("from_step", cp.StepNo).
		Str("resume_at", next).
		Msg("workflow: replaying")

	return r.loop(ctx, g, cp.ExecutionID, cp.TenantID, state, next, cp.StepNo+1, "")
}

// loop is the shared execution engine. finalStatus is sticky once set; the
// node that sets it forces the walk to the end node.
func (r *Runtime) loop(ctx context.Context, g *Graph, executionID, tenantID string, state State, current string, step int, finalStatus string) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.Timeout, err, "workflow %s: execution %s cancelled", g.ID, executionID)
		}
		if step >= r.maxSteps {
			state.AddError("max_steps reached")
			if finalStatus == "" {
				finalStatus = StatusMaxSteps
			}
			break
		}

		node, ok := g.nodes[current]
		if !ok {
			return nil, errs.New(errs.Validation, "workflow %s: unknown node %q", g.ID, current)
		}

		forceEnd := false
		if node.Kind == NodeAgent && r.kill != nil && !r.kill.IsActive(node.AgentType) {
			state.AddError("paused: agent type " + node.AgentType)
			finalStatus = StatusPaused
			forceEnd = true
			r.log.Warn().
				Str("execution_id", executionID).
				Str("node", node.Name).
				Str("agent_type", node.AgentType).
				Msg("workflow: agent paused, ending execution")
		} else if err := r.runNode(ctx, node, state); err != nil {
			state.AddError(err.Error())
			if finalStatus == "" {
				finalStatus = StatusError
			}
			forceEnd = true
			r.log.Error().Err(err).
				Str("execution_id", executionID).
				Str("node", node.Name).
				Msg("workflow: node failed")
		}

		state.AppendHistory(node.Name)
		state[KeyCurrentNode] = node.Name

		done := node.Name == g.end
		if done && finalStatus == "" {
			finalStatus = StatusCompleted
		}
		cpStatus := finalStatus
		if cpStatus == "" {
			cpStatus = StatusRunning
		}
		if err := r.checkpoint(ctx, g, executionID, tenantID, node.Name, step, state, cpStatus); err != nil {
			return nil, err
		}
		step++

		if done {
			break
		}
		if forceEnd {
			current = g.end
			continue
		}

		next, err := g.next(node.Name, state)
		if err != nil {
			state.AddError(err.Error())
			if finalStatus == "" {
				finalStatus = StatusError
			}
			current = g.end
			continue
		}
		current = next
	}

	return &Result{
		ExecutionID: executionID,
		WorkflowID:  g.ID,
		Status:      finalStatus,
		Steps:       step,
		State:       state,
	}, nil
}

// runNode executes the node function with panic containment. A panicking
// node becomes a state error, never a crashed process.
func (r *Runtime) runNode(ctx context.Context, node *Node, state State) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.New(errs.Internal, "node %s panicked: %v", node.Name, p)
		}
	}()
	if node.Fn == nil {
		return nil
	}
	return node.Fn(ctx, state)
}

func (r *Runtime) checkpoint(ctx context.Context, g *Graph, executionID, tenantID, nodeID string, step int, state State, status string) error {
	raw, hash, err := marshalState(state)
	if err != nil {
		return err
	}
	return r.checkpoints.Append(ctx, &Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		WorkflowID:  g.ID,
		TenantID:    tenantID,
		NodeID:      nodeID,
		StepNo:      step,
		State:       raw,
		StateHash:   hash,
		Status:      status,
		CreatedAt:   r.now().UTC(),
	})
}
