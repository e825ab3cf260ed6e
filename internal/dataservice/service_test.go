package dataservice

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/graph"
	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/trend"
)

var base = time.Date(2026, 4, 10, 6, 0, 0, 0, time.UTC)

func ts(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func f(v float64) *float64 { return &v }

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Upsert(ctx, &entity.Patient{
		ID: "p1", TenantID: "t1", MRN: "MRN001", Family: "Doe", Given: "Jane",
		BirthDate: "1970-01-02", Gender: "female",
	}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}

	conditions := []*entity.Condition{
		{ID: "c1", TenantID: "t1", PatientID: "p1", Code: "E11.9", ClinicalStatus: "active"},
		{ID: "c2", TenantID: "t1", PatientID: "p1", Code: "J45.909", ClinicalStatus: "resolved"},
	}
	for _, c := range conditions {
		if err := store.UpsertCondition(ctx, c); err != nil {
			t.Fatalf("seed condition: %v", err)
		}
	}

	meds := []*entity.MedicationRequest{
		{ID: "m1", TenantID: "t1", PatientID: "p1", Code: "860975", Status: "active"},
		{ID: "m2", TenantID: "t1", PatientID: "p1", Code: "197361", Status: "stopped"},
	}
	for _, m := range meds {
		if err := store.UpsertMedication(ctx, m); err != nil {
			t.Fatalf("seed medication: %v", err)
		}
	}

	encounters := []*entity.Encounter{
		{ID: "e1", TenantID: "t1", PatientID: "p1", Class: "inpatient", Status: "finished", PeriodStart: ts(-48 * time.Hour)},
		{ID: "e2", TenantID: "t1", PatientID: "p1", Class: "outpatient", Status: "finished", PeriodStart: ts(-2 * time.Hour)},
	}
	for _, e := range encounters {
		if err := store.UpsertEncounter(ctx, e); err != nil {
			t.Fatalf("seed encounter: %v", err)
		}
	}

	obs := []*entity.Observation{
		{ID: "o1", TenantID: "t1", PatientID: "p1", Code: CodeHeartRate, ValueNum: f(72), EffectiveTS: ts(-3 * time.Hour)},
		{ID: "o2", TenantID: "t1", PatientID: "p1", Code: CodeHeartRate, ValueNum: f(88), EffectiveTS: ts(-1 * time.Hour)},
		{ID: "o3", TenantID: "t1", PatientID: "p1", Code: CodeSpO2, ValueNum: f(95), EffectiveTS: ts(-1 * time.Hour)},
	}
	for _, o := range obs {
		if err := store.UpsertObservation(ctx, o); err != nil {
			t.Fatalf("seed observation: %v", err)
		}
	}
	return store
}

func newService(store *MemoryStore, g graph.Driver) *Service {
	return NewService(store, store, store, store, store, g, zerolog.Nop())
}

func TestGetPatient360(t *testing.T) {
	svc := newService(seedStore(t), nil)

	view, err := svc.GetPatient360(context.Background(), "t1", "p1")
	if err != nil {
		t.Fatalf("GetPatient360: %v", err)
	}
	if view.Patient.MRN != "MRN001" {
		t.Errorf("mrn = %q", view.Patient.MRN)
	}
	if len(view.ActiveConditions) != 1 || view.ActiveConditions[0].Code != "E11.9" {
		t.Errorf("active conditions = %+v", view.ActiveConditions)
	}
	if len(view.ActiveMedications) != 1 || view.ActiveMedications[0].ID != "m1" {
		t.Errorf("active medications = %+v", view.ActiveMedications)
	}
	if len(view.RecentEncounters) != 2 || view.RecentEncounters[0].ID != "e2" {
		t.Errorf("recent encounters not newest-first: %+v", view.RecentEncounters)
	}
	hr := view.LatestVitals[CodeHeartRate]
	if hr == nil || *hr.ValueNum != 88 {
		t.Errorf("latest heart rate = %+v, want the newest sample", hr)
	}
}

func TestGetPatient360UnknownPatient(t *testing.T) {
	svc := newService(seedStore(t), nil)
	if _, err := svc.GetPatient360(context.Background(), "t1", "ghost"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestTenantScopeIsMandatory(t *testing.T) {
	store := seedStore(t)
	if _, err := store.Get(context.Background(), "", "p1"); !errs.Is(err, errs.Validation) {
		t.Errorf("Get without tenant = %v, want Validation", err)
	}
	if _, err := store.ListByPatient(context.Background(), "", "p1", false); !errs.Is(err, errs.Validation) {
		t.Errorf("ListByPatient without tenant = %v, want Validation", err)
	}
}

func TestCrossTenantReadsSeeNothing(t *testing.T) {
	svc := newService(seedStore(t), nil)
	if _, err := svc.GetPatient360(context.Background(), "t2", "p1"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("cross-tenant read = %v, want NotFound", err)
	}
}

func TestGetPatientNetworkClampsDepth(t *testing.T) {
	g := graph.NewMemory()
	ctx := context.Background()

	patientID := entity.NaturalID(entity.LabelPatient, "MRN001")
	encID := entity.NaturalID(entity.LabelEncounter, "V1")
	for _, v := range []entity.Vertex{
		{Label: entity.LabelPatient, ID: patientID, TenantID: "t1"},
		{Label: entity.LabelEncounter, ID: encID, TenantID: "t1"},
	} {
		if err := g.UpsertVertex(ctx, v); err != nil {
			t.Fatalf("UpsertVertex: %v", err)
		}
	}
	if err := g.UpsertEdge(ctx, entity.Edge{
		Label: entity.EdgeHasEncounter, FromLabel: entity.LabelPatient, FromID: patientID,
		ToLabel: entity.LabelEncounter, ToID: encID, TenantID: "t1",
	}); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	svc := newService(NewMemoryStore(), g)
	net, err := svc.GetPatientNetwork(ctx, "t1", "MRN001", 99)
	if err != nil {
		t.Fatalf("GetPatientNetwork: %v", err)
	}
	if net.Depth != graph.MaxTraversalDepth {
		t.Errorf("depth = %d, want clamped to %d", net.Depth, graph.MaxTraversalDepth)
	}
	if len(net.Vertices) != 2 || len(net.Edges) != 1 {
		t.Errorf("network = %d vertices, %d edges", len(net.Vertices), len(net.Edges))
	}
}

func TestVitalTrendWithThresholdAlert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Upsert(ctx, &entity.Patient{ID: "p1", TenantID: "t1", MRN: "MRN001"}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	for i, v := range []float64{97, 95, 93, 91, 89, 87} {
		if err := store.UpsertObservation(ctx, &entity.Observation{
			ID: "sp" + string(rune('a'+i)), TenantID: "t1", PatientID: "p1",
			Code: CodeSpO2, ValueNum: f(v), EffectiveTS: ts(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("seed observation: %v", err)
		}
	}

	svc := newService(store, nil)
	analysis, alert, err := svc.VitalTrend(ctx, "t1", "p1", CodeSpO2, base, base.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("VitalTrend: %v", err)
	}
	if analysis.Direction != trend.DirectionDecreasing {
		t.Errorf("direction = %q", analysis.Direction)
	}
	if alert == nil || alert.Severity != trend.SeverityCritical {
		t.Fatalf("alert = %+v, want CRITICAL at spo2 87", alert)
	}
}

func TestCheckDeterioration(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := base.Add(24 * time.Hour)

	spo2 := []float64{98, 96, 94, 92, 90, 88}
	hr := []float64{72, 80, 88, 96, 104, 112}
	for i := range spo2 {
		when := base.Add(time.Duration(i) * 4 * time.Hour)
		for _, o := range []*entity.Observation{
			{ID: "s" + string(rune('a'+i)), TenantID: "t1", PatientID: "p1", Code: CodeSpO2, ValueNum: f(spo2[i]), EffectiveTS: &when},
			{ID: "h" + string(rune('a'+i)), TenantID: "t1", PatientID: "p1", Code: CodeHeartRate, ValueNum: f(hr[i]), EffectiveTS: &when},
		} {
			if err := store.UpsertObservation(ctx, o); err != nil {
				t.Fatalf("seed observation: %v", err)
			}
		}
	}

	svc := newService(store, nil)
	alert, err := svc.CheckDeterioration(ctx, "t1", "p1", now)
	if err != nil {
		t.Fatalf("CheckDeterioration: %v", err)
	}
	if alert == nil || alert.Metric != "composite" || alert.Severity != trend.SeverityWarning {
		t.Fatalf("alert = %+v, want composite WARNING", alert)
	}
}
