package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// ToolHandler executes one tool call. args is the JSON object the caller
// supplied; it is validated against the tool's schema by the caller, not
// here.
type ToolHandler func(ctx context.Context, state State, args json.RawMessage) (any, error)

// Tool is a named capability that TOOL nodes can invoke. Params is a JSON
// Schema describing the argument object.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolRegistry holds the tools available to a workflow deployment.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected so deployments cannot
// silently shadow each other's tools.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" {
		return errs.New(errs.Validation, "workflow: tool name required")
	}
	if t.Handler == nil {
		return errs.New(errs.Validation, "workflow: tool %s has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return errs.New(errs.Validation, "workflow: tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return Tool{}, errs.New(errs.NotFound, "workflow: unknown tool %q", name)
	}
	return t, nil
}

// List returns all tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs a registered tool and records the call in state history under
// tool_calls.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, state State, args json.RawMessage) (any, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	out, err := t.Handler(ctx, state, args)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "workflow: tool %s", name)
	}

	calls, _ := state["tool_calls"].([]any)
	state["tool_calls"] = append(calls, name)
	return out, nil
}
