// Package graph defines the graph persistence surface the platform writes
// entities through. The production driver is an external collaborator (any
// property-graph store); the in-memory driver here is a complete
// implementation used by tests and single-node deployments.
package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/platform/errs"
)

// Driver is the vertex/edge persistence capability. Upserts are keyed by
// (tenant, id) for vertices and (tenant, label, from, to) for edges, so
// re-ingesting a payload converges instead of duplicating.
type Driver interface {
	UpsertVertex(ctx context.Context, v entity.Vertex) error
	UpsertEdge(ctx context.Context, e entity.Edge) error
	GetVertex(ctx context.Context, tenantID, id string) (*entity.Vertex, error)
	// Neighborhood returns vertices and edges reachable from startID within
	// maxDepth hops, tenant-scoped.
	Neighborhood(ctx context.Context, tenantID, startID string, maxDepth int) ([]entity.Vertex, []entity.Edge, error)
	// Out returns outgoing edges of a vertex, optionally filtered by label.
	Out(ctx context.Context, tenantID, fromID, label string) ([]entity.Edge, error)
}

// MaxTraversalDepth bounds Neighborhood to keep pathological graphs from
// exploding a single request.
const MaxTraversalDepth = 5

// Memory is a mutex-guarded in-memory Driver.
type Memory struct {
	mu       sync.RWMutex
	vertices map[string]entity.Vertex // tenant|id
	edges    map[string]entity.Edge   // tenant|label|from|to
	outgoing map[string][]string      // tenant|from -> edge keys
}

// NewMemory creates an empty driver.
func NewMemory() *Memory {
	return &Memory{
		vertices: make(map[string]entity.Vertex),
		edges:    make(map[string]entity.Edge),
		outgoing: make(map[string][]string),
	}
}

func vkey(tenantID, id string) string { return tenantID + "|" + id }

func ekey(e entity.Edge) string { return e.TenantID + "|" + e.Key() }

// UpsertVertex implements Driver. Props of an existing vertex are merged so a
// sparse source cannot erase fields a richer source wrote.
func (m *Memory) UpsertVertex(_ context.Context, v entity.Vertex) error {
	if v.ID == "" || v.TenantID == "" {
		return errs.New(errs.Validation, "graph: vertex needs id and tenant")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := vkey(v.TenantID, v.ID)
	if existing, ok := m.vertices[key]; ok {
		merged := make(map[string]any, len(existing.Props)+len(v.Props))
		for k, val := range existing.Props {
			merged[k] = val
		}
		for k, val := range v.Props {
			merged[k] = val
		}
		v.Props = merged
		if v.SourceSystem == "" {
			v.SourceSystem = existing.SourceSystem
		}
		v.CreatedAt = existing.CreatedAt
	}
	m.vertices[key] = v
	return nil
}

// UpsertEdge implements Driver; an existing edge is left in place.
func (m *Memory) UpsertEdge(_ context.Context, e entity.Edge) error {
	if e.FromID == "" || e.ToID == "" || e.TenantID == "" {
		return errs.New(errs.Validation, "graph: edge needs endpoints and tenant")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ekey(e)
	if _, ok := m.edges[key]; ok {
		return nil
	}
	m.edges[key] = e
	outKey := vkey(e.TenantID, e.FromID)
	m.outgoing[outKey] = append(m.outgoing[outKey], key)
	return nil
}

// GetVertex implements Driver. A missing vertex is a NotFound error.
func (m *Memory) GetVertex(_ context.Context, tenantID, id string) (*entity.Vertex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.vertices[vkey(tenantID, id)]
	if !ok {
		return nil, errs.New(errs.NotFound, "graph: vertex %q not found", id)
	}
	clone := v
	return &clone, nil
}

// Out implements Driver.
func (m *Memory) Out(_ context.Context, tenantID, fromID, label string) ([]entity.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []entity.Edge
	for _, key := range m.outgoing[vkey(tenantID, fromID)] {
		e := m.edges[key]
		if label == "" || e.Label == label {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Neighborhood implements Driver with a breadth-first walk over outgoing
// edges, capped at MaxTraversalDepth.
func (m *Memory) Neighborhood(ctx context.Context, tenantID, startID string, maxDepth int) ([]entity.Vertex, []entity.Edge, error) {
	if maxDepth <= 0 || maxDepth > MaxTraversalDepth {
		maxDepth = MaxTraversalDepth
	}

	start, err := m.GetVertex(ctx, tenantID, startID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{startID: true}
	vertices := []entity.Vertex{*start}
	var edges []entity.Edge

	frontier := []string{startID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, key := range m.outgoing[vkey(tenantID, id)] {
				e := m.edges[key]
				edges = append(edges, e)
				if seen[e.ToID] {
					continue
				}
				seen[e.ToID] = true
				if v, ok := m.vertices[vkey(tenantID, e.ToID)]; ok {
					vertices = append(vertices, v)
				}
				next = append(next, e.ToID)
			}
		}
		frontier = next
	}
	return vertices, edges, nil
}

// VertexCount reports stored vertices for a tenant; used by health reporting
// and tests.
func (m *Memory) VertexCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for key := range m.vertices {
		if len(key) > len(tenantID) && key[:len(tenantID)+1] == tenantID+"|" {
			n++
		}
	}
	return n
}
