package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/config"
	"github.com/aegis-health/aegis/internal/connector"
	"github.com/aegis-health/aegis/internal/consent"
	"github.com/aegis-health/aegis/internal/cowork"
	"github.com/aegis-health/aegis/internal/dataservice"
	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/graph"
	"github.com/aegis-health/aegis/internal/ingest"
	"github.com/aegis-health/aegis/internal/killswitch"
	"github.com/aegis-health/aegis/internal/llm"
	"github.com/aegis-health/aegis/internal/normalize"
	"github.com/aegis-health/aegis/internal/platform/redact"
	"github.com/aegis-health/aegis/internal/platform/stream"
	"github.com/aegis-health/aegis/internal/policy"
	"github.com/aegis-health/aegis/internal/quality"
	"github.com/aegis-health/aegis/internal/retention"
	"github.com/aegis-health/aegis/internal/terminology"
	"github.com/aegis-health/aegis/internal/workflow"
)

// emptyRetentionStore satisfies retention.Store with no candidates, so the
// sweep endpoint can run against a fresh server.
type emptyRetentionStore struct{}

func (emptyRetentionStore) ListCandidates(ctx context.Context, resourceType string, cutoff time.Time, limit int) ([]retention.Item, error) {
	return nil, nil
}
func (emptyRetentionStore) SoftDelete(ctx context.Context, it retention.Item) error { return nil }
func (emptyRetentionStore) HardDelete(ctx context.Context, it retention.Item) error { return nil }

type testEnv struct {
	server  *Server
	data    *dataservice.MemoryStore
	consent consent.Store
	mock    *llm.MockProvider
	audit   *audit.Service
}

func triageGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g := workflow.NewGraph("triage")
	nodes := []workflow.Node{
		{Name: "start", Kind: workflow.NodeStart},
		{Name: "assess", Kind: workflow.NodeTool, Fn: func(ctx context.Context, state workflow.State) error {
			state["assessed"] = true
			return nil
		}},
		{Name: "end", Kind: workflow.NodeEnd},
	}
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node %s: %v", n.Name, err)
		}
	}
	g.AddEdge("start", "assess")
	g.AddEdge("assess", "end")
	return g
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	nop := zerolog.Nop()
	redactor := redact.New()

	auditSvc, err := audit.NewService(context.Background(), audit.NewMemoryStore(), nop)
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}

	consentStore := consent.NewMemoryStore()
	kill := killswitch.New(nop)
	gmem := graph.NewMemory()
	registry := connector.DefaultRegistry()

	kb := terminology.NewMemoryMappingRepository()
	term := terminology.NewService(map[string]terminology.CodeRepository{
		"http://loinc.org": terminology.NewMemoryCodeRepository([]*terminology.Code{
			{Code: "8867-4", Display: "Heart rate", SystemURI: "http://loinc.org"},
		}),
	})

	data := dataservice.NewMemoryStore()
	mock := llm.NewMockProvider("mock")

	env := &testEnv{
		data:    data,
		consent: consentStore,
		mock:    mock,
		audit:   auditSvc,
	}

	env.server = New(Services{
		Config: &config.Config{
			Port:            "0",
			DefaultTenant:   "t1",
			RequirePurpose:  true,
			RateLimitRPS:    1000,
			RateLimitBurst:  1000,
			LLMDefaultModel: "mock-model",
		},
		Logger:       nop,
		Redactor:     redactor,
		Audit:        auditSvc,
		Policy:       policy.NewEngine(auditSvc, nop, policy.DefaultPolicies()...),
		Consent:      consent.NewEngine(consentStore, auditSvc, nop),
		ConsentStore: consentStore,
		Registry:     registry,
		Ingest: ingest.NewPipeline(registry, quality.NewValidator(), gmem,
			stream.NewMemoryPublisher(), nil, nil, ingest.Options{}, nop),
		Data:       dataservice.NewService(data, data, data, data, data, gmem, nop),
		Normalizer: normalize.NewEngine(kb, term, nil, auditSvc, nop),
		Gateway: llm.NewGateway([]llm.Provider{mock}, llm.NewGuardrails(redactor, false),
			llm.DefaultPrices(), llm.NewUsage(), nop),
		Kill:      kill,
		Retention: retention.NewService(emptyRetentionStore{}, retention.DefaultPolicies(), nil, 0, nop),
		Runtime:   workflow.NewRuntime(workflow.NewMemoryCheckpointStore(), kill, nop),
		Workflows: map[string]*workflow.Graph{"triage": triageGraph(t)},
		Hub:       cowork.NewHub(nop),
	})
	return env
}

func bearerToken(t *testing.T, sub, tenantID string, mfa bool, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":       sub,
		"email":     sub + "@example.org",
		"tenant_id": tenantID,
		"mfa":       mfa,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	rs := make([]any, len(roles))
	for i, r := range roles {
		rs[i] = r
	}
	claims["roles"] = rs

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

type callOpts struct {
	purpose string
	token   string
	body    any
}

func (env *testEnv) call(t *testing.T, method, target string, opts callOpts) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if opts.body != nil {
		raw, err := json.Marshal(opts.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "t1")
	if opts.purpose != "" {
		req.Header.Set("X-Purpose", opts.purpose)
	}
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}
	rec := httptest.NewRecorder()
	env.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func seedPatient(t *testing.T, env *testEnv, id string) {
	t.Helper()
	err := env.data.Upsert(context.Background(), &entity.Patient{
		ID:        id,
		TenantID:  "t1",
		MRN:       "MRN-" + id,
		Family:    "Rivera",
		Given:     "Ana",
		BirthDate: "1958-03-14",
		Gender:    "female",
	})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
}

func grantConsent(t *testing.T, env *testEnv, patientID string) {
	t.Helper()
	err := env.consent.Put(context.Background(), &consent.Consent{
		ID:        "c-" + patientID,
		TenantID:  "t1",
		PatientID: patientID,
		Scope:     "treatment",
		Status:    "active",
		GrantedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("grant consent: %v", err)
	}
}

func TestHealthWithoutPool(t *testing.T) {
	env := newTestServer(t)
	rec := env.call(t, http.MethodGet, "/health", callOpts{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeJSON(t, rec)["status"]; got != "healthy" {
		t.Errorf("status = %v", got)
	}
}

func TestMissingPurposeRejected(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	rec := env.call(t, http.MethodGet, "/api/v1/sources", callOpts{token: tok})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListSources(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	rec := env.call(t, http.MethodGet, "/api/v1/sources", callOpts{purpose: "treatment", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	sources, _ := decodeJSON(t, rec)["sources"].([]any)
	if len(sources) != 8 {
		t.Errorf("expected 8 registered sources, got %d", len(sources))
	}
}

func TestIngestWearableBatch(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	body := map[string]any{
		"source_type": "wearable",
		"payload": map[string]any{
			"patient_mrn": "MRN001",
			"device_id":   "dev-1",
			"device_type": "watch",
			"samples": []map[string]any{
				{"type": "heart_rate", "ts": "2026-08-20T10:00:00Z", "value": 72.0, "unit": "/min"},
				{"type": "spo2", "ts": "2026-08-20T10:00:00Z", "value": 97.0, "unit": "%"},
			},
		},
	}
	rec := env.call(t, http.MethodPost, "/api/v1/ingest", callOpts{purpose: "treatment", token: tok, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["source_type"] != "wearable" {
		t.Errorf("source_type = %v", out["source_type"])
	}
	if total, _ := out["vertices_total"].(float64); total < 2 {
		t.Errorf("vertices_total = %v, want at least the 2 observations", out["vertices_total"])
	}
}

func TestIngestUnknownSourceType(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	body := map[string]any{"source_type": "carrier-pigeon", "payload": map[string]any{}}
	rec := env.call(t, http.MethodPost, "/api/v1/ingest", callOpts{purpose: "treatment", token: tok, body: body})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if decodeJSON(t, rec)["error"] != "validation" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestPatient360WithConsent(t *testing.T) {
	env := newTestServer(t)
	seedPatient(t, env, "p1")
	grantConsent(t, env, "p1")
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	rec := env.call(t, http.MethodGet, "/api/v1/patients/p1/360", callOpts{purpose: "treatment", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	patient, _ := out["patient"].(map[string]any)
	if patient == nil || patient["id"] != "p1" {
		t.Errorf("patient = %v", out["patient"])
	}
}

func TestPatient360WithoutConsentDenied(t *testing.T) {
	env := newTestServer(t)
	seedPatient(t, env, "p1")
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	rec := env.call(t, http.MethodGet, "/api/v1/patients/p1/360", callOpts{purpose: "treatment", token: tok})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["error"] != "policy_deny" {
		t.Errorf("error = %v", out["error"])
	}
	reason, _ := out["reason"].(string)
	if !strings.Contains(reason, "consent") {
		t.Errorf("reason = %q, want a consent denial", reason)
	}
	if rid, _ := out["request_id"].(string); rid == "" {
		t.Error("request_id missing from error body")
	}
}

func TestPatient360RoleWithoutPolicyDenied(t *testing.T) {
	env := newTestServer(t)
	seedPatient(t, env, "p1")
	grantConsent(t, env, "p1")
	tok := bearerToken(t, "vendor-1", "t1", false, "marketing")

	rec := env.call(t, http.MethodGet, "/api/v1/patients/p1/360", callOpts{purpose: "treatment", token: tok})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
}

func TestPatient360NotFound(t *testing.T) {
	env := newTestServer(t)
	grantConsent(t, env, "missing")
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	rec := env.call(t, http.MethodGet, "/api/v1/patients/missing/360", callOpts{purpose: "treatment", token: tok})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
	if decodeJSON(t, rec)["error"] != "not_found" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestVitalTrendRequiresCode(t *testing.T) {
	env := newTestServer(t)
	seedPatient(t, env, "p1")
	grantConsent(t, env, "p1")
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	rec := env.call(t, http.MethodGet, "/api/v1/patients/p1/vitals/trend", callOpts{purpose: "treatment", token: tok})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestVitalTrend(t *testing.T) {
	env := newTestServer(t)
	seedPatient(t, env, "p1")
	grantConsent(t, env, "p1")
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		v := 70.0 + float64(i)
		ts := now.Add(-time.Duration(6-i) * time.Hour)
		err := env.data.UpsertObservation(context.Background(), &entity.Observation{
			ID:          fmt.Sprintf("obs-%d", i),
			TenantID:    "t1",
			PatientID:   "p1",
			Code:        "8867-4",
			ValueNum:    &v,
			Unit:        "/min",
			EffectiveTS: &ts,
		})
		if err != nil {
			t.Fatalf("seed observation: %v", err)
		}
	}

	rec := env.call(t, http.MethodGet, "/api/v1/patients/p1/vitals/trend?code=8867-4&hours=12",
		callOpts{purpose: "treatment", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if _, ok := out["analysis"]; !ok {
		t.Errorf("analysis missing: %s", rec.Body.String())
	}
}

func TestLLMCompleteAndUsage(t *testing.T) {
	env := newTestServer(t)
	env.mock.Respond("The heart rate trend is stable.")
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Summarize the vitals."}},
	}
	rec := env.call(t, http.MethodPost, "/api/v1/llm/complete", callOpts{purpose: "treatment", token: tok, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["text"] != "The heart rate trend is stable." {
		t.Errorf("text = %v", out["text"])
	}
	// The default model from config is applied when the request names none.
	if out["model"] != "mock-model" {
		t.Errorf("model = %v", out["model"])
	}

	rec = env.call(t, http.MethodGet, "/api/v1/llm/usage", callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("usage status = %d", rec.Code)
	}
	usage := decodeJSON(t, rec)
	if n, _ := usage["total_requests"].(float64); n != 1 {
		t.Errorf("total_requests = %v, want 1", usage["total_requests"])
	}
}

func TestLLMCompleteRequiresMessages(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	rec := env.call(t, http.MethodPost, "/api/v1/llm/complete",
		callOpts{purpose: "treatment", token: tok, body: map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLLMStream(t *testing.T) {
	env := newTestServer(t)
	env.mock.Respond("alpha beta gamma")
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "go"}},
	}
	rec := env.call(t, http.MethodPost, "/api/v1/llm/stream", callOpts{purpose: "treatment", token: tok, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	text := rec.Body.String()
	if !strings.Contains(text, "data: ") || !strings.Contains(text, "data: [DONE]") {
		t.Errorf("stream body = %q", text)
	}
}

func TestNormalizeKnownCode(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	body := map[string]string{"source_system": "legacy-lab", "local_code": "8867-4", "local_desc": "Heart rate"}
	rec := env.call(t, http.MethodPost, "/api/v1/normalize", callOpts{purpose: "operations", token: tok, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["std_code"] != "8867-4" || out["method"] != "exact" {
		t.Errorf("mapping = %s", rec.Body.String())
	}
}

func TestNormalizeUnknownCode(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	body := map[string]string{"source_system": "legacy-lab", "local_code": "ZZZ"}
	rec := env.call(t, http.MethodPost, "/api/v1/normalize", callOpts{purpose: "operations", token: tok, body: body})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyMappingThenNormalize(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	verify := map[string]any{
		"source_system": "legacy-lab",
		"local_code":    "HR01",
		"std_code":      "8867-4",
		"std_system":    "http://loinc.org",
		"std_desc":      "Heart rate",
	}
	rec := env.call(t, http.MethodPost, "/api/v1/mappings/verify", callOpts{purpose: "operations", token: tok, body: verify})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body.String())
	}

	body := map[string]string{"source_system": "legacy-lab", "local_code": "HR01"}
	rec = env.call(t, http.MethodPost, "/api/v1/normalize", callOpts{purpose: "operations", token: tok, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("normalize status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["method"] != "expert_verified" {
		t.Errorf("method = %v", out["method"])
	}
}

func TestConsentPutAndCheck(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	directive := map[string]any{
		"id":         "c1",
		"patient_id": "p9",
		"scope":      "treatment",
		"status":     "active",
		"granted_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
	rec := env.call(t, http.MethodPost, "/api/v1/consents", callOpts{purpose: "treatment", token: tok, body: directive})
	if rec.Code != http.StatusCreated {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	check := map[string]any{"patient_id": "p9", "action": "read"}
	rec = env.call(t, http.MethodPost, "/api/v1/consents/check", callOpts{purpose: "treatment", token: tok, body: check})
	if rec.Code != http.StatusOK {
		t.Fatalf("check status = %d: %s", rec.Code, rec.Body.String())
	}
	if allowed, _ := decodeJSON(t, rec)["allowed"].(bool); !allowed {
		t.Errorf("check = %s", rec.Body.String())
	}
}

func TestAccessCheck(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	body := map[string]string{"resource_type": "Patient", "patient_id": "p1", "action": "read"}
	rec := env.call(t, http.MethodPost, "/api/v1/access/check", callOpts{purpose: "treatment", token: tok, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if allowed, _ := out["allowed"].(bool); !allowed {
		t.Errorf("decision = %s", rec.Body.String())
	}
	if out["policy_id"] != "clinician-treatment" {
		t.Errorf("policy_id = %v", out["policy_id"])
	}
}

func TestAuditListAndVerify(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "dr-ng", "t1", false, "physician")

	// Generate a little traffic so the chain has entries.
	env.call(t, http.MethodGet, "/api/v1/sources", callOpts{purpose: "treatment", token: tok})

	rec := env.call(t, http.MethodGet, "/api/v1/audit", callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	entries, _ := decodeJSON(t, rec)["entries"].([]any)
	if len(entries) == 0 {
		t.Error("expected at least one audit entry")
	}

	rec = env.call(t, http.MethodGet, "/api/v1/audit/verify", callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if valid, _ := out["valid"].(bool); !valid {
		t.Errorf("chain not valid: %s", rec.Body.String())
	}
}

func TestKillSwitchPauseAndResume(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "admin-1", "t1", true, "admin")

	rec := env.call(t, http.MethodPost, "/api/v1/killswitch/pause",
		callOpts{purpose: "operations", token: tok, body: map[string]string{"agent_type": "triage", "reason": "bad output"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.call(t, http.MethodGet, "/api/v1/killswitch", callOpts{purpose: "operations", token: tok})
	paused, _ := decodeJSON(t, rec)["paused"].([]any)
	if len(paused) != 1 {
		t.Fatalf("paused = %v", paused)
	}

	// The pause gates AGENT nodes only; the tool-node graph still runs.
	run := env.call(t, http.MethodPost, "/api/v1/workflows/triage/run",
		callOpts{purpose: "operations", token: tok, body: map[string]any{}})
	if run.Code != http.StatusOK {
		t.Fatalf("run status = %d: %s", run.Code, run.Body.String())
	}

	rec = env.call(t, http.MethodPost, "/api/v1/killswitch/resume",
		callOpts{purpose: "operations", token: tok, body: map[string]string{"agent_type": "triage"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if resumed, _ := decodeJSON(t, rec)["resumed"].(bool); !resumed {
		t.Error("resume reported false")
	}
}

func TestKillSwitchPauseRequiresAgentType(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "admin-1", "t1", true, "admin")

	rec := env.call(t, http.MethodPost, "/api/v1/killswitch/pause",
		callOpts{purpose: "operations", token: tok, body: map[string]string{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRetentionHoldLifecycle(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "legal-1", "t1", false, "admin")

	hold := map[string]string{
		"id":            "h1",
		"resource_type": "medical_record",
		"resource_id":   "p1",
		"reason":        "litigation",
	}
	rec := env.call(t, http.MethodPost, "/api/v1/retention/holds", callOpts{purpose: "operations", token: tok, body: hold})
	if rec.Code != http.StatusCreated {
		t.Fatalf("place status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.call(t, http.MethodPost, "/api/v1/retention/sweep", callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.call(t, http.MethodDelete, "/api/v1/retention/holds/h1", callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release status = %d", rec.Code)
	}

	rec = env.call(t, http.MethodDelete, "/api/v1/retention/holds/h1", callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second release status = %d, want 404", rec.Code)
	}
}

func TestWorkflowRunAndReplay(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "admin-1", "t1", true, "admin")

	rec := env.call(t, http.MethodPost, "/api/v1/workflows/triage/run",
		callOpts{purpose: "operations", token: tok, body: map[string]any{"execution_id": "exec-1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("run status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeJSON(t, rec)
	if out["status"] != "completed" {
		t.Errorf("status = %v", out["status"])
	}
	state, _ := out["state"].(map[string]any)
	if state == nil || state["assessed"] != true {
		t.Errorf("state = %v", out["state"])
	}

	rec = env.call(t, http.MethodPost, "/api/v1/workflows/triage/replay/exec-1",
		callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeJSON(t, rec)["execution_id"] != "exec-1" {
		t.Errorf("replay body = %s", rec.Body.String())
	}
}

func TestWorkflowUnknownGraph(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "admin-1", "t1", true, "admin")

	rec := env.call(t, http.MethodPost, "/api/v1/workflows/nope/run",
		callOpts{purpose: "operations", token: tok, body: map[string]any{}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWorkflowReplayBadFromStep(t *testing.T) {
	env := newTestServer(t)
	tok := bearerToken(t, "admin-1", "t1", true, "admin")

	rec := env.call(t, http.MethodPost, "/api/v1/workflows/triage/replay/exec-1?from_step=minus-two",
		callOpts{purpose: "operations", token: tok})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
