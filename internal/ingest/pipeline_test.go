package ingest

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/connector"
	"github.com/aegis-health/aegis/internal/graph"
	"github.com/aegis-health/aegis/internal/platform/stream"
	"github.com/aegis-health/aegis/internal/quality"
)

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return []float32{0.1, 0.2, 0.3}, nil
}

type stubIndex struct {
	mu  sync.Mutex
	ids []string
}

func (i *stubIndex) Upsert(_ context.Context, _, id string, _ []float32, _ map[string]any) error {
	i.mu.Lock()
	i.ids = append(i.ids, id)
	i.mu.Unlock()
	return nil
}

func newTestPipeline(embed Embedder, idx VectorIndex) (*Pipeline, *graph.Memory, *stream.MemoryPublisher) {
	g := graph.NewMemory()
	pub := stream.NewMemoryPublisher()
	p := NewPipeline(connector.DefaultRegistry(), quality.DefaultValidator(), g, pub, embed, idx, Options{Workers: 2}, zerolog.Nop())
	return p, g, pub
}

const goodBundle = `{
	"resourceType": "Bundle",
	"entry": [
		{"resource": {"resourceType": "Patient", "id": "p1",
			"identifier": [{"system": "urn:mrn", "value": "MRN100"}],
			"name": [{"family": "Ng", "given": ["Ada"]}],
			"gender": "female", "birthDate": "1970-01-02"}},
		{"resource": {"resourceType": "Observation", "id": "o1",
			"code": {"coding": [{"system": "http://loinc.org", "code": "8867-4"}]},
			"subject": {"reference": "Patient/MRN100"},
			"valueQuantity": {"value": 80, "unit": "/min"}}}
	]
}`

func TestIngestHappyPath(t *testing.T) {
	p, g, pub := newTestPipeline(nil, nil)

	res, err := p.Ingest(context.Background(), Request{
		SourceType: connector.SourceFHIR, Payload: []byte(goodBundle),
		TenantID: "t1", SourceSystem: "epic",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.VerticesValid != 2 || res.VerticesInvalid != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.EdgesWritten != 1 {
		t.Errorf("edges = %d, want 1", res.EdgesWritten)
	}
	if len(res.StageErrors) != 0 {
		t.Errorf("stage errors: %v", res.StageErrors)
	}

	if _, err := g.GetVertex(context.Background(), "t1", "Patient/MRN100"); err != nil {
		t.Errorf("patient not persisted: %v", err)
	}

	validated := pub.ByTopic("fhir.validated")
	if len(validated) != 2 {
		t.Errorf("validated events = %d, want 2", len(validated))
	}
	if dlq := pub.ByTopic("fhir.dlq"); len(dlq) != 0 {
		t.Errorf("unexpected dlq events: %v", dlq)
	}
}

func TestIngestDivertsInvalidToDLQ(t *testing.T) {
	p, g, pub := newTestPipeline(nil, nil)

	// Patient with a malformed birth date fails the ERROR-severity ISO rule.
	bad := `{"resourceType":"Bundle","entry":[
		{"resource":{"resourceType":"Patient","id":"p2",
			"identifier":[{"system":"urn:mrn","value":"MRN200"}],
			"birthDate":"01/02/1970"}}]}`

	res, err := p.Ingest(context.Background(), Request{
		SourceType: connector.SourceFHIR, Payload: []byte(bad), TenantID: "t1",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.VerticesInvalid != 1 || res.VerticesValid != 0 {
		t.Fatalf("result = %+v", res)
	}

	dlq := pub.ByTopic("fhir.dlq")
	if len(dlq) != 1 {
		t.Fatalf("dlq events = %d, want 1", len(dlq))
	}
	if reasons, ok := dlq[0].Fields["dq_failures"].(string); !ok || !strings.Contains(reasons, "iso_date.birth_date") {
		t.Errorf("dlq reasons = %v", dlq[0].Fields["dq_failures"])
	}

	if _, err := g.GetVertex(context.Background(), "t1", "Patient/MRN200"); err == nil {
		t.Error("invalid vertex must not be persisted")
	}
}

func TestIngestUnknownSourceType(t *testing.T) {
	p, _, _ := newTestPipeline(nil, nil)
	_, err := p.Ingest(context.Background(), Request{SourceType: "csv", Payload: []byte("x"), TenantID: "t1"})
	if err == nil {
		t.Fatal("expected error for unknown source type")
	}
}

func TestIngestRequiresTenant(t *testing.T) {
	p, _, _ := newTestPipeline(nil, nil)
	_, err := p.Ingest(context.Background(), Request{SourceType: connector.SourceFHIR, Payload: []byte(goodBundle)})
	if err == nil {
		t.Fatal("expected error for missing tenant")
	}
}

func TestIngestIndexesWhenRequested(t *testing.T) {
	embed := &stubEmbedder{}
	idx := &stubIndex{}
	p, _, _ := newTestPipeline(embed, idx)

	res, err := p.Ingest(context.Background(), Request{
		SourceType: connector.SourceFHIR, Payload: []byte(goodBundle),
		TenantID: "t1", IndexInRAG: true,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", res.Indexed)
	}
	if embed.calls != 2 || len(idx.ids) != 2 {
		t.Errorf("embedder calls = %d, index upserts = %d", embed.calls, len(idx.ids))
	}
}

func TestIngestReingestConverges(t *testing.T) {
	p, g, _ := newTestPipeline(nil, nil)
	ctx := context.Background()
	req := Request{SourceType: connector.SourceFHIR, Payload: []byte(goodBundle), TenantID: "t1"}

	if _, err := p.Ingest(ctx, req); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := p.Ingest(ctx, req); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if n := g.VertexCount("t1"); n != 2 {
		t.Errorf("vertices after re-ingest = %d, want 2 (upsert, not duplicate)", n)
	}
}
