// Package ingest orchestrates payload intake: connector parse, per-vertex
// quality validation, graph persistence, stream publication, and optional
// vector indexing. Persist, publish, and index run as independent bounded
// worker pools; Ingest waits for all three and returns counts rather than
// failing the batch.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/connector"
	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/graph"
	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/platform/stream"
	"github.com/aegis-health/aegis/internal/quality"
)

var (
	verticesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_ingest_vertices_total",
		Help: "Vertices accepted by the ingestion pipeline.",
	}, []string{"source_type", "tenant"})

	verticesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_ingest_rejected_total",
		Help: "Vertices diverted to the DLQ by quality validation.",
	}, []string{"source_type", "tenant"})
)

// Embedder produces a vector for a text rendering of a record.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores embeddings in a tenant namespace.
type VectorIndex interface {
	Upsert(ctx context.Context, namespace, id string, vector []float32, metadata map[string]any) error
}

// Result is the per-call outcome. It is always returned, even when every
// record failed.
type Result struct {
	SourceType      connector.SourceType `json:"source_type"`
	VerticesTotal   int                  `json:"vertices_total"`
	VerticesValid   int                  `json:"vertices_valid"`
	VerticesInvalid int                  `json:"vertices_invalid"`
	EdgesWritten    int                  `json:"edges_written"`
	Published       int                  `json:"published"`
	Indexed         int                  `json:"indexed"`
	ParseErrors     []string             `json:"parse_errors,omitempty"`
	Warnings        []string             `json:"warnings,omitempty"`
	StageErrors     []string             `json:"stage_errors,omitempty"`
}

// Options configures a Pipeline.
type Options struct {
	Workers int // per-stage worker count, default 4
}

// Pipeline wires the ingestion stages together. Embedder and VectorIndex may
// be nil; indexing is then skipped even when requested.
type Pipeline struct {
	registry  *connector.Registry
	validator *quality.Validator
	graph     graph.Driver
	publisher stream.Publisher
	embedder  Embedder
	vectors   VectorIndex
	workers   int
	log       zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(registry *connector.Registry, validator *quality.Validator, driver graph.Driver, publisher stream.Publisher, embedder Embedder, vectors VectorIndex, opts Options, log zerolog.Logger) *Pipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		registry:  registry,
		validator: validator,
		graph:     driver,
		publisher: publisher,
		embedder:  embedder,
		vectors:   vectors,
		workers:   workers,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// Request is one ingestion call.
type Request struct {
	SourceType   connector.SourceType
	Payload      []byte
	TenantID     string
	SourceSystem string
	IndexInRAG   bool
}

// Ingest runs the full pipeline for one payload. The only hard failures are
// an unknown source type and a payload the connector cannot parse at all;
// per-record problems surface in the Result.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	res := Result{SourceType: req.SourceType}

	if req.TenantID == "" {
		return res, errs.New(errs.Validation, "ingest: tenant id is required")
	}
	conn, err := p.registry.Get(req.SourceType)
	if err != nil {
		return res, errs.Wrap(errs.Validation, err, "ingest")
	}

	parsed := conn.Parse(req.Payload, connector.Options{
		TenantID:     req.TenantID,
		SourceSystem: req.SourceSystem,
	})
	res.ParseErrors = parsed.Errors
	res.Warnings = parsed.Warnings
	res.VerticesTotal = len(parsed.Vertices)
	if !parsed.Success {
		return res, errs.New(errs.Validation, "ingest: %s payload unparseable: %v", req.SourceType, parsed.Errors)
	}

	valid, invalid := p.partition(parsed.Vertices)
	res.VerticesValid = len(valid)
	res.VerticesInvalid = len(invalid)

	verticesIngested.WithLabelValues(string(req.SourceType), req.TenantID).Add(float64(len(valid)))
	verticesRejected.WithLabelValues(string(req.SourceType), req.TenantID).Add(float64(len(invalid)))

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errf = func(stage string, err error) {
			mu.Lock()
			res.StageErrors = append(res.StageErrors, fmt.Sprintf("%s: %v", stage, err))
			mu.Unlock()
		}
	)

	// Persist stage: vertices first so edges never dangle, then edges.
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runPool(ctx, valid, func(ctx context.Context, v entity.Vertex) {
			if err := p.graph.UpsertVertex(ctx, v); err != nil {
				errf("persist", err)
			}
		})
		for _, e := range keptEdges(parsed.Edges, invalid) {
			if err := p.graph.UpsertEdge(ctx, e); err != nil {
				errf("persist", err)
				continue
			}
			mu.Lock()
			res.EdgesWritten++
			mu.Unlock()
		}
	}()

	// Publish stage: valid records to `<type>.validated`, invalid to the DLQ.
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runPool(ctx, valid, func(ctx context.Context, v entity.Vertex) {
			if err := p.publishVertex(ctx, stream.Topic(string(req.SourceType), stream.StageValidated), v, nil); err != nil {
				errf("publish", err)
				return
			}
			mu.Lock()
			res.Published++
			mu.Unlock()
		})
		for _, iv := range invalid {
			if err := p.publishVertex(ctx, stream.Topic(string(req.SourceType), stream.StageDLQ), iv.vertex, iv.report.Failures()); err != nil {
				errf("publish", err)
			}
		}
	}()

	// Index stage.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !req.IndexInRAG || p.embedder == nil || p.vectors == nil {
			return
		}
		p.runPool(ctx, valid, func(ctx context.Context, v entity.Vertex) {
			vec, err := p.embedder.Embed(ctx, renderForEmbedding(v))
			if err != nil {
				errf("index", err)
				return
			}
			meta := map[string]any{"label": v.Label, "source_system": v.SourceSystem}
			if err := p.vectors.Upsert(ctx, req.TenantID, v.ID, vec, meta); err != nil {
				errf("index", err)
				return
			}
			mu.Lock()
			res.Indexed++
			mu.Unlock()
		})
	}()

	wg.Wait()

	p.log.Info().
		Str("source_type", string(req.SourceType)).
		Str("tenant_id", req.TenantID).
		Int("valid", res.VerticesValid).
		Int("invalid", res.VerticesInvalid).
		Int("edges", res.EdgesWritten).
		Msg("ingest: payload processed")
	return res, nil
}

type invalidVertex struct {
	vertex entity.Vertex
	report quality.Report
}

func (p *Pipeline) partition(vertices []entity.Vertex) ([]entity.Vertex, []invalidVertex) {
	if p.validator == nil {
		return vertices, nil
	}
	var valid []entity.Vertex
	var invalid []invalidVertex
	for _, v := range vertices {
		rep := p.validator.Validate(v)
		if rep.Valid() {
			if notes := rep.Notes(); len(notes) > 0 {
				v.Props["dq_notes"] = noteStrings(notes)
			}
			valid = append(valid, v)
			continue
		}
		invalid = append(invalid, invalidVertex{vertex: v, report: rep})
	}
	return valid, invalid
}

// runPool fans items out to a bounded worker pool and waits.
func (p *Pipeline) runPool(ctx context.Context, items []entity.Vertex, fn func(context.Context, entity.Vertex)) {
	if len(items) == 0 {
		return
	}
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(v entity.Vertex) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, v)
		}(item)
	}
	wg.Wait()
}

func (p *Pipeline) publishVertex(ctx context.Context, topic string, v entity.Vertex, failures []quality.Result) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ingest: marshal vertex %s: %w", v.ID, err)
	}
	fields := map[string]any{
		"id":        v.ID,
		"label":     v.Label,
		"tenant_id": v.TenantID,
		"vertex":    string(raw),
	}
	if len(failures) > 0 {
		reasons, err := json.Marshal(failures)
		if err != nil {
			return fmt.Errorf("ingest: marshal dq failures: %w", err)
		}
		fields["dq_failures"] = string(reasons)
	}
	return p.publisher.Publish(ctx, topic, fields)
}

// keptEdges drops edges touching a vertex that was diverted to the DLQ.
// Edges to vertices outside this payload are kept; the graph driver upserts
// endpoints independently.
func keptEdges(edges []entity.Edge, invalid []invalidVertex) []entity.Edge {
	rejected := make(map[string]bool, len(invalid))
	for _, iv := range invalid {
		rejected[iv.vertex.ID] = true
	}
	var out []entity.Edge
	for _, e := range edges {
		if rejected[e.FromID] || rejected[e.ToID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func noteStrings(notes []quality.Result) []string {
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.RuleID+": "+n.Message)
	}
	return out
}

func renderForEmbedding(v entity.Vertex) string {
	raw, _ := json.Marshal(v.Props)
	return fmt.Sprintf("%s %s %s", v.Label, v.ID, raw)
}
