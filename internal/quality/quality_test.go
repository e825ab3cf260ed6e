package quality

import (
	"testing"

	"github.com/aegis-health/aegis/internal/entity"
)

func patientVertex(props map[string]any) entity.Vertex {
	return entity.Vertex{Label: entity.LabelPatient, ID: "Patient/MRN1", TenantID: "t1", Props: props}
}

func TestRequiredFieldMissing(t *testing.T) {
	val := DefaultValidator()

	rep := val.Validate(patientVertex(map[string]any{"gender": "female"}))
	if rep.Valid() {
		t.Fatal("patient without mrn should be invalid")
	}

	found := false
	for _, res := range rep.Failures() {
		if res.RuleID == "required.mrn" && res.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected required.mrn failure, got %v", rep.Failures())
	}
}

func TestWarningDoesNotInvalidate(t *testing.T) {
	val := DefaultValidator()

	rep := val.Validate(patientVertex(map[string]any{"mrn": "MRN1", "gender": "nonbinary"}))
	if !rep.Valid() {
		t.Fatalf("warning-only failures must not invalidate: %v", rep.Failures())
	}
	notes := rep.Notes()
	if len(notes) != 1 || notes[0].RuleID != "enum.gender" {
		t.Errorf("notes = %v, want enum.gender warning", notes)
	}
}

func TestISODateConformance(t *testing.T) {
	val := DefaultValidator()

	cases := []struct {
		date  string
		valid bool
	}{
		{"1980-03-15", true},
		{"1980-03", true},
		{"1980", true},
		{"2024-01-15T09:30:00Z", true},
		{"03/15/1980", false},
		{"19800315", false},
	}
	for _, tc := range cases {
		rep := val.Validate(patientVertex(map[string]any{"mrn": "M", "birth_date": tc.date}))
		if rep.Valid() != tc.valid {
			t.Errorf("birth_date %q: valid = %v, want %v", tc.date, rep.Valid(), tc.valid)
		}
	}
}

func TestVitalRangeAccuracy(t *testing.T) {
	val := DefaultValidator()

	obs := entity.Vertex{Label: entity.LabelObservation, Props: map[string]any{
		"code": "8867-4", "value_num": 350.0,
	}}
	if rep := val.Validate(obs); rep.Valid() {
		t.Error("heart rate 350 should fail plausibility")
	}

	obs.Props["value_num"] = 72.0
	if rep := val.Validate(obs); !rep.Valid() {
		t.Errorf("heart rate 72 should pass: %v", val.Validate(obs).Failures())
	}

	obs.Props = map[string]any{"code": "59408-5", "value_num": 101.0}
	if rep := val.Validate(obs); rep.Valid() {
		t.Error("spo2 above 100 should fail")
	}
}

func TestEncounterPeriodConsistency(t *testing.T) {
	val := DefaultValidator()

	enc := entity.Vertex{Label: entity.LabelEncounter, Props: map[string]any{
		"class":        "inpatient",
		"period_start": "2024-01-16T00:00:00Z",
		"period_end":   "2024-01-15T00:00:00Z",
	}}
	rep := val.Validate(enc)
	if rep.Valid() {
		t.Fatal("end before start should be an ERROR")
	}
	for _, res := range rep.Failures() {
		if res.RuleID == "encounter.period_order" {
			return
		}
	}
	t.Errorf("expected encounter.period_order failure, got %v", rep.Failures())
}

func TestUnknownLabelPassesByDefault(t *testing.T) {
	val := DefaultValidator()
	v := entity.Vertex{Label: "SomethingElse", Props: map[string]any{}}
	if rep := val.Validate(v); !rep.Valid() || len(rep.Results) != 0 {
		t.Errorf("unconfigured label should pass with no results, got %v", rep.Results)
	}
}
