// Package connector turns heterogeneous clinical and financial payloads into
// the unified vertex/edge model. Each format has its own Connector; the
// registry dispatches on source type. Connectors collect per-record errors
// instead of failing whole payloads, and derive ids from natural keys so
// re-ingesting a payload upserts.
package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aegis-health/aegis/internal/entity"
)

// SourceType identifies a supported input format.
type SourceType string

const (
	SourceFHIR     SourceType = "fhir"
	SourceHL7v2    SourceType = "hl7v2"
	SourceCCDA     SourceType = "ccda"
	SourceX12      SourceType = "x12"
	SourceDICOM    SourceType = "dicom"
	SourcePRO      SourceType = "pro"
	SourceConsent  SourceType = "consent"
	SourceWearable SourceType = "wearable"
)

// ParseResult is a connector's normalized output. Vertices are ordered before
// the edges that reference them; Errors holds per-record fatal problems.
type ParseResult struct {
	Success  bool              `json:"success"`
	Vertices []entity.Vertex   `json:"vertices"`
	Edges    []entity.Edge     `json:"edges"`
	Errors   []string          `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *ParseResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ParseResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func failure(format string, args ...any) ParseResult {
	return ParseResult{Success: false, Errors: []string{fmt.Sprintf(format, args...)}}
}

// Options carries the ingest-scoped fields every connector stamps onto
// produced vertices.
type Options struct {
	TenantID     string
	SourceSystem string
}

// Connector is the capability set every format parser implements.
type Connector interface {
	// Type returns the source type this connector handles.
	Type() SourceType
	// Validate performs cheap structural checks without full parsing.
	Validate(payload []byte) []error
	// Parse transforms the payload into vertices and edges. Recoverable
	// per-record problems land in the result's Errors; only a malformed
	// root payload yields Success=false.
	Parse(payload []byte, opts Options) ParseResult
}

// Registry maps source types to connectors. Registration is a direct call at
// startup, not a side effect of package init.
type Registry struct {
	mu         sync.RWMutex
	connectors map[SourceType]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[SourceType]Connector)}
}

// Register adds a connector, replacing any previous one for the same type.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
}

// Get returns the connector for the source type.
func (r *Registry) Get(t SourceType) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[t]
	if !ok {
		return nil, fmt.Errorf("connector: unknown source type %q", t)
	}
	return c, nil
}

// Types returns the registered source types in sorted order.
func (r *Registry) Types() []SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SourceType, 0, len(r.connectors))
	for t := range r.connectors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRegistry builds a registry with every built-in connector registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewFHIRConnector())
	r.Register(NewHL7v2Connector())
	r.Register(NewCCDAConnector())
	r.Register(NewX12Connector())
	r.Register(NewDICOMConnector())
	r.Register(NewPROConnector())
	r.Register(NewConsentConnector())
	r.Register(NewWearableConnector())
	return r
}

// newVertex builds a vertex with the ingest-scoped fields stamped on.
func newVertex(label, id string, opts Options, props map[string]any) entity.Vertex {
	if props == nil {
		props = map[string]any{}
	}
	return entity.Vertex{
		Label:        label,
		ID:           id,
		TenantID:     opts.TenantID,
		SourceSystem: opts.SourceSystem,
		Props:        props,
	}
}

func newEdge(label, fromLabel, fromID, toLabel, toID string, opts Options) entity.Edge {
	return entity.Edge{
		Label:     label,
		FromLabel: fromLabel,
		FromID:    fromID,
		ToLabel:   toLabel,
		ToID:      toID,
		TenantID:  opts.TenantID,
	}
}
