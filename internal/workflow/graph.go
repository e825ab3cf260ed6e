// Package workflow implements the durable agent workflow runtime: directed
// graphs of typed nodes, checkpointed execution with canonical-JSON state
// hashes, and replay from any stored checkpoint.
package workflow

import (
	"context"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// NodeKind classifies a workflow node.
type NodeKind string

// Node kinds.
const (
	NodeStart  NodeKind = "START"
	NodeEnd    NodeKind = "END"
	NodeAgent  NodeKind = "AGENT"
	NodeTool   NodeKind = "TOOL"
	NodeRouter NodeKind = "ROUTER"
	NodeHuman  NodeKind = "HUMAN"
)

// NodeFunc runs a node's work against the live state. Mutating the state map
// is the supported way to produce output.
type NodeFunc func(ctx context.Context, state State) error

// Node is one vertex in a workflow graph. AgentType is set on AGENT nodes and
// names the kill-switch scope that gates the node.
type Node struct {
	Name      string
	Kind      NodeKind
	AgentType string
	Fn        NodeFunc
}

// EdgeKind classifies an edge.
type EdgeKind string

// Edge kinds.
const (
	EdgeNormal      EdgeKind = "NORMAL"
	EdgeConditional EdgeKind = "CONDITIONAL"
)

// Condition picks the next node name from the live state.
type Condition func(state State) string

// Edge connects nodes. Conditional edges leave To empty and resolve the
// target at runtime.
type Edge struct {
	From      string
	To        string
	Kind      EdgeKind
	Condition Condition
}

// Graph is a workflow definition. Build with NewGraph and the Add methods,
// then Validate before running.
type Graph struct {
	ID    string
	start string
	end   string
	nodes map[string]*Node
	edges map[string][]Edge
}

// NewGraph creates an empty graph. start and end nodes must be added like any
// other node, with kinds START and END.
func NewGraph(id string) *Graph {
	return &Graph{
		ID:    id,
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
}

// AddNode registers a node. Duplicate names are rejected.
func (g *Graph) AddNode(n Node) error {
	if n.Name == "" {
		return errs.New(errs.Validation, "workflow %s: node name required", g.ID)
	}
	if _, exists := g.nodes[n.Name]; exists {
		return errs.New(errs.Validation, "workflow %s: duplicate node %q", g.ID, n.Name)
	}
	node := n
	g.nodes[n.Name] = &node
	switch n.Kind {
	case NodeStart:
		g.start = n.Name
	case NodeEnd:
		g.end = n.Name
	}
	return nil
}

// AddEdge registers an unconditional transition.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from] = append(g.edges[from], Edge{From: from, To: to, Kind: EdgeNormal})
}

// AddConditionalEdge registers a transition whose target is computed from the
// state at runtime.
func (g *Graph) AddConditionalEdge(from string, cond Condition) {
	g.edges[from] = append(g.edges[from], Edge{From: from, Kind: EdgeConditional, Condition: cond})
}

// Validate checks the graph is runnable: exactly one START and one END exist
// and every static edge endpoint is a known node.
func (g *Graph) Validate() error {
	if g.start == "" {
		return errs.New(errs.Validation, "workflow %s: no START node", g.ID)
	}
	if g.end == "" {
		return errs.New(errs.Validation, "workflow %s: no END node", g.ID)
	}
	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return errs.New(errs.Validation, "workflow %s: edge from unknown node %q", g.ID, from)
		}
		for _, e := range edges {
			if e.Kind == EdgeNormal {
				if _, ok := g.nodes[e.To]; !ok {
					return errs.New(errs.Validation, "workflow %s: edge %s -> unknown node %q", g.ID, from, e.To)
				}
			} else if e.Condition == nil {
				return errs.New(errs.Validation, "workflow %s: conditional edge from %s has no condition", g.ID, from)
			}
		}
	}
	return nil
}

// Start returns the start node name.
func (g *Graph) Start() string { return g.start }

// End returns the end node name.
func (g *Graph) End() string { return g.end }

// next resolves the first matching outgoing edge of from. A conditional edge
// returning an unknown node name is a terminal error.
func (g *Graph) next(from string, state State) (string, error) {
	edges := g.edges[from]
	if len(edges) == 0 {
		return "", errs.New(errs.Validation, "workflow %s: node %q has no outgoing edge", g.ID, from)
	}
	e := edges[0]
	if e.Kind == EdgeNormal {
		return e.To, nil
	}
	target := e.Condition(state)
	if _, ok := g.nodes[target]; !ok {
		return "", errs.New(errs.Validation, "workflow %s: condition at %q returned unknown node %q", g.ID, from, target)
	}
	return target, nil
}
