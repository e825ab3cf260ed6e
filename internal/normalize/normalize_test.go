package normalize

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/terminology"
)

type stubSuggester struct {
	sugg *Suggestion
	err  error
	seen []SuggestRequest
}

func (s *stubSuggester) SuggestMapping(_ context.Context, req SuggestRequest) (*Suggestion, error) {
	s.seen = append(s.seen, req)
	return s.sugg, s.err
}

func newTermService() *terminology.Service {
	loinc := terminology.NewMemoryCodeRepository([]*terminology.Code{
		{Code: "8867-4", Display: "Heart rate", SystemURI: terminology.SystemLOINC},
	})
	icd := terminology.NewMemoryCodeRepository([]*terminology.Code{
		{Code: "E11.9", Display: "Type 2 diabetes mellitus without complications", SystemURI: terminology.SystemICD10,
			Synonyms: []string{"type 2 diabetes"}},
	})
	return terminology.NewService(map[string]terminology.CodeRepository{
		terminology.SystemLOINC: loinc,
		terminology.SystemICD10: icd,
	})
}

func newEngine(t *testing.T, suggest Suggester) (*Engine, terminology.MappingRepository, *audit.Service) {
	t.Helper()
	kb := terminology.NewMemoryMappingRepository()
	auditor, err := audit.NewService(context.Background(), audit.NewMemoryStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}
	return NewEngine(kb, newTermService(), suggest, auditor, zerolog.Nop()), kb, auditor
}

func TestKBShortCircuits(t *testing.T) {
	sugg := &stubSuggester{}
	e, kb, _ := newEngine(t, sugg)

	ctx := context.Background()
	if err := kb.Put(ctx, &terminology.VerifiedMapping{
		SourceSystem: "epic", LocalCode: "DM2",
		StdCode: "E11.9", StdSystem: terminology.SystemICD10, StdDesc: "T2DM",
		Confidence: 1.0,
	}); err != nil {
		t.Fatalf("kb put: %v", err)
	}

	m, err := e.Normalize(ctx, "epic", "DM2", "diabetes type two")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m == nil || m.Method != MethodExpertVerified || m.Confidence != 1.0 {
		t.Fatalf("mapping = %+v, want expert_verified at confidence 1.0", m)
	}
	if len(sugg.seen) != 0 {
		t.Error("suggester called despite KB hit")
	}
}

func TestExactMatchByCode(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	m, err := e.Normalize(context.Background(), "epic", "8867-4", "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m == nil || m.Method != MethodExact {
		t.Fatalf("mapping = %+v, want exact match", m)
	}
	if m.StdSystem != terminology.SystemLOINC || m.StdCode != "8867-4" {
		t.Errorf("matched %s / %s", m.StdSystem, m.StdCode)
	}
}

func TestExactMatchBySynonym(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	m, err := e.Normalize(context.Background(), "epic", "LOCAL-DM", "Type 2 Diabetes")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m == nil || m.Method != MethodExact || m.StdCode != "E11.9" {
		t.Fatalf("mapping = %+v, want exact synonym match to E11.9", m)
	}
}

func TestLLMSuggestionValidated(t *testing.T) {
	sugg := &stubSuggester{sugg: &Suggestion{
		StdCode: "E11.9", StdSystem: terminology.SystemICD10, StdDesc: "T2DM",
		Confidence: 0.88, Reasoning: "description similarity",
	}}
	e, _, _ := newEngine(t, sugg)

	m, err := e.Normalize(context.Background(), "epic", "XDM-2", "adult onset diabetes")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m == nil || m.Method != MethodLLM {
		t.Fatalf("mapping = %+v, want llm method", m)
	}
	if m.Confidence != 0.88 || m.ReviewRequired {
		t.Errorf("validated suggestion should keep confidence and not need review: %+v", m)
	}
}

func TestLLMUnknownCodeRetainedForReview(t *testing.T) {
	sugg := &stubSuggester{sugg: &Suggestion{
		StdCode: "ZZZ.9", StdSystem: terminology.SystemICD10,
		Confidence: 0.9,
	}}
	e, _, _ := newEngine(t, sugg)

	m, err := e.Normalize(context.Background(), "epic", "XDM-3", "mystery code")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m == nil {
		t.Fatal("suggestion with unknown code must be retained, not dropped")
	}
	if !m.ReviewRequired {
		t.Error("review_required not set")
	}
	if m.Confidence > llmUnverifiedCeiling {
		t.Errorf("confidence = %v, want capped at %v", m.Confidence, llmUnverifiedCeiling)
	}
}

func TestNoSuggesterFallsThroughToNil(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	m, err := e.Normalize(context.Background(), "epic", "UNKNOWN-1", "nothing matches this")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if m != nil {
		t.Errorf("mapping = %+v, want nil fallback", m)
	}
}

func TestVerifyWritesKBAndAudits(t *testing.T) {
	e, kb, auditor := newEngine(t, nil)
	ctx := context.Background()

	err := e.Verify(ctx, terminology.VerifiedMapping{
		SourceSystem: "epic", LocalCode: "DM2", LocalDesc: "diabetes",
		StdCode: "E11.9", StdSystem: terminology.SystemICD10, StdDesc: "T2DM",
		Confidence: 0.4, // expert verification overrides whatever came in
	}, "dr.house", "t1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	m, err := kb.Get(ctx, "epic", "DM2")
	if err != nil || m == nil {
		t.Fatalf("kb get: %v %v", m, err)
	}
	if m.Confidence != 1.0 || m.VerifiedBy != "dr.house" {
		t.Errorf("kb entry = %+v", m)
	}

	entries, err := auditor.List(ctx, "t1", 10, 0)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "mapping.verify" {
		t.Errorf("audit entries = %+v, want one mapping.verify", entries)
	}
}

func TestVerifyRejectsUnknownStdCode(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	err := e.Verify(context.Background(), terminology.VerifiedMapping{
		SourceSystem: "epic", LocalCode: "X", StdCode: "NOPE", StdSystem: terminology.SystemICD10,
	}, "dr.house", "t1")
	if err == nil {
		t.Fatal("expected validation error for unknown std code")
	}
}
