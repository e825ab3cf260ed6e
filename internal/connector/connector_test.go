package connector

import (
	"strings"
	"testing"

	"github.com/aegis-health/aegis/internal/entity"
)

var testOpts = Options{TenantID: "t1", SourceSystem: "test-src"}

func findVertex(t *testing.T, res ParseResult, label, id string) entity.Vertex {
	t.Helper()
	for _, v := range res.Vertices {
		if v.Label == label && v.ID == id {
			return v
		}
	}
	t.Fatalf("vertex %s %s not found; have %d vertices", label, id, len(res.Vertices))
	return entity.Vertex{}
}

func findEdge(t *testing.T, res ParseResult, label, fromID, toID string) entity.Edge {
	t.Helper()
	for _, e := range res.Edges {
		if e.Label == label && e.FromID == fromID && e.ToID == toID {
			return e
		}
	}
	t.Fatalf("edge %s %s -> %s not found; have %d edges", label, fromID, toID, len(res.Edges))
	return entity.Edge{}
}

func countLabel(res ParseResult, label string) int {
	n := 0
	for _, v := range res.Vertices {
		if v.Label == label {
			n++
		}
	}
	return n
}

func TestRegistryDispatch(t *testing.T) {
	r := DefaultRegistry()

	for _, st := range []SourceType{SourceFHIR, SourceHL7v2, SourceCCDA, SourceX12, SourceDICOM, SourcePRO, SourceConsent, SourceWearable} {
		c, err := r.Get(st)
		if err != nil {
			t.Fatalf("Get(%s): %v", st, err)
		}
		if c.Type() != st {
			t.Errorf("Get(%s) returned connector of type %s", st, c.Type())
		}
	}

	if _, err := r.Get("csv"); err == nil {
		t.Error("expected error for unregistered source type")
	}

	types := r.Types()
	if len(types) != 8 {
		t.Errorf("Types() = %v, want 8 entries", types)
	}
}

func TestFHIRPatientBundle(t *testing.T) {
	payload := []byte(`{
		"resourceType": "Bundle",
		"entry": [
			{"resource": {
				"resourceType": "Patient",
				"id": "p-abc",
				"identifier": [{"system": "urn:oid:mrn", "value": "MRN001"}],
				"name": [{"family": "Smith", "given": ["Jane", "Q"]}],
				"gender": "female",
				"birthDate": "1980-03-15"
			}},
			{"resource": {
				"resourceType": "Encounter",
				"id": "e-1",
				"status": "in-progress",
				"class": {"code": "IMP"},
				"subject": {"reference": "Patient/MRN001"}
			}},
			{"resource": {
				"resourceType": "Observation",
				"id": "o-1",
				"code": {"coding": [{"system": "http://loinc.org", "code": "8867-4", "display": "Heart rate"}]},
				"subject": {"reference": "Patient/MRN001"},
				"valueQuantity": {"value": 72, "unit": "/min"}
			}}
		]
	}`)

	res := NewFHIRConnector().Parse(payload, testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	p := findVertex(t, res, entity.LabelPatient, "Patient/MRN001")
	if p.Props["mrn"] != "MRN001" || p.Props["family"] != "Smith" {
		t.Errorf("patient props = %v", p.Props)
	}
	if p.Props["given"] != "Jane Q" {
		t.Errorf("given = %v, want joined given names", p.Props["given"])
	}
	if p.TenantID != "t1" || p.SourceSystem != "test-src" {
		t.Errorf("tenant/source not stamped: %q %q", p.TenantID, p.SourceSystem)
	}

	enc := findVertex(t, res, entity.LabelEncounter, "Encounter/e-1")
	if enc.Props["class"] != "inpatient" {
		t.Errorf("class = %v, want inpatient for IMP", enc.Props["class"])
	}
	findEdge(t, res, entity.EdgeHasEncounter, "Patient/MRN001", "Encounter/e-1")

	obs := findVertex(t, res, entity.LabelObservation, "Observation/o-1")
	if obs.Props["value_num"] != 72.0 || obs.Props["unit"] != "/min" {
		t.Errorf("observation props = %v", obs.Props)
	}
	findEdge(t, res, entity.EdgeHasObservation, "Patient/MRN001", "Observation/o-1")
}

func TestFHIRUnknownResourceWarns(t *testing.T) {
	payload := []byte(`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Device","id":"d1"}}]}`)
	res := NewFHIRConnector().Parse(payload, testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", res.Warnings)
	}
	if len(res.Vertices) != 0 {
		t.Errorf("unknown resource produced %d vertices", len(res.Vertices))
	}
}

func TestFHIRNotABundle(t *testing.T) {
	res := NewFHIRConnector().Parse([]byte(`{"resourceType":"Patient","id":"p1"}`), testOpts)
	if res.Success {
		t.Fatal("expected failure for non-Bundle payload")
	}
}

// pv1Segment builds a PV1 with values at exact field positions so the tests
// do not depend on hand-counted pipe runs.
func pv1Segment(class, visit, admitTS string) string {
	fields := make([]string, 45)
	fields[0] = "PV1"
	fields[1] = "1"
	fields[2] = class
	fields[3] = "ICU^201^A"
	fields[19] = visit
	fields[44] = admitTS
	return strings.Join(fields, "|")
}

func TestHL7v2AdmitMessage(t *testing.T) {
	adtA01 := "MSH|^~\\&|EPIC|HOSP|AEGIS|HQ|20240115093000||ADT^A01|MSG0001|P|2.5.1\r" +
		"PID|1||MRN002^^^HOSP^MR||Doe^John^A||19751120|M\r" +
		pv1Segment("I", "V1001", "20240115093000") + "\r" +
		"DG1|1||E11.9^Type 2 diabetes^I10|||F\r" +
		"OBX|1|NM|8867-4^Heart rate^LN||88|/min|60-100|||F|||20240115093000\r"

	res := NewHL7v2Connector().Parse([]byte(adtA01), testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.Metadata["message_type"] != "ADT^A01" {
		t.Errorf("message_type = %q", res.Metadata["message_type"])
	}

	p := findVertex(t, res, entity.LabelPatient, "Patient/MRN002")
	if p.Props["family"] != "Doe" || p.Props["gender"] != "m" {
		t.Errorf("patient props = %v", p.Props)
	}
	if p.Props["birth_date"] != "1975-11-20" {
		t.Errorf("birth_date = %v", p.Props["birth_date"])
	}

	enc := findVertex(t, res, entity.LabelEncounter, "Encounter/V1001")
	if enc.Props["status"] != "in-progress" {
		t.Errorf("A01 status = %v, want in-progress", enc.Props["status"])
	}
	if enc.Props["class"] != "inpatient" {
		t.Errorf("class = %v, want inpatient for PV1-2 I", enc.Props["class"])
	}
	findEdge(t, res, entity.EdgeHasEncounter, "Patient/MRN002", "Encounter/V1001")

	if n := countLabel(res, entity.LabelCondition); n != 1 {
		t.Fatalf("conditions = %d, want 1", n)
	}
	if n := countLabel(res, entity.LabelObservation); n != 1 {
		t.Fatalf("observations = %d, want 1", n)
	}
	for _, v := range res.Vertices {
		if v.Label == entity.LabelCondition {
			if v.Props["code"] != "E11.9" {
				t.Errorf("condition code = %v", v.Props["code"])
			}
			if v.Props["code_system"] != "http://hl7.org/fhir/sid/icd-10-cm" {
				t.Errorf("code_system = %v", v.Props["code_system"])
			}
		}
		if v.Label == entity.LabelObservation {
			if v.Props["value_num"] != 88.0 {
				t.Errorf("value_num = %v", v.Props["value_num"])
			}
		}
	}
}

func TestHL7v2DischargeAndPartialBirthDate(t *testing.T) {
	msg := "MSH|^~\\&|EPIC|HOSP|AEGIS|HQ|20240116||ADT^A03|MSG0002|P|2.5.1\r" +
		"PID|1||MRN003||Roe^Mary||197506|F\r" +
		pv1Segment("O", "V1002", "") + "\r"
	res := NewHL7v2Connector().Parse([]byte(msg), testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}

	p := findVertex(t, res, entity.LabelPatient, "Patient/MRN003")
	if p.Props["birth_date"] != "1975-06" {
		t.Errorf("partial birth_date = %v, want 1975-06", p.Props["birth_date"])
	}
	enc := findVertex(t, res, entity.LabelEncounter, "Encounter/V1002")
	if enc.Props["status"] != "finished" {
		t.Errorf("A03 status = %v, want finished", enc.Props["status"])
	}
	if enc.Props["class"] != "outpatient" {
		t.Errorf("class = %v", enc.Props["class"])
	}
}

func TestHL7v2NonNumericNMValue(t *testing.T) {
	msg := "MSH|^~\\&|EPIC|HOSP|AEGIS|HQ|20240115||ORU^R01|MSG0003|P|2.5.1\r" +
		"PID|1||MRN004||X^Y\r" +
		"OBX|1|NM|8867-4^HR^LN||abc|/min\r"
	res := NewHL7v2Connector().Parse([]byte(msg), testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one for non-numeric NM value", res.Errors)
	}
	if n := countLabel(res, entity.LabelObservation); n != 0 {
		t.Errorf("bad observation still emitted (%d)", n)
	}
}

func TestHL7v2MissingMSH(t *testing.T) {
	res := NewHL7v2Connector().Parse([]byte("PID|1||MRN005\r"), testOpts)
	if res.Success {
		t.Fatal("expected failure for message without MSH")
	}
}

// x12Interchange wraps transaction segments in a minimal envelope with the
// standard separators (* element, : component, ~ segment).
func x12Interchange(st string, body string) string {
	isa := "ISA*00*          *00*          *ZZ*SENDER         *ZZ*RECEIVER       *240115*0930*^*00501*000000001*0*P*:~"
	return isa + "GS*HC*SENDER*RECEIVER*20240115*0930*1*X*005010~" +
		"ST*" + st + "*0001~" + body + "SE*10*0001~GE*1*1~IEA*1*000000001~"
}

func Test837ClaimWithLines(t *testing.T) {
	body := "NM1*IL*1*DOE*JOHN****MI*MBR123~" +
		"CLM*CLM-1*150.00***11:B:1~" +
		"HI*ABK:E119*ABF:I10~" +
		"SV1*HC:99213:25*100.00*UN*1~" +
		"SV1*HC:36415*50.00*UN*1~"
	res := NewX12Connector().Parse([]byte(x12Interchange("837", body)), testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	claim := findVertex(t, res, entity.LabelClaim, "Claim/CLM-1")
	if claim.Props["billed"] != 150.0 {
		t.Errorf("billed = %v", claim.Props["billed"])
	}
	findEdge(t, res, entity.EdgeHasClaim, "Patient/MBR123", "Claim/CLM-1")

	if n := countLabel(res, entity.LabelClaimLine); n != 2 {
		t.Fatalf("claim lines = %d, want 2", n)
	}
	line1 := findVertex(t, res, entity.LabelClaimLine, "Claim/CLM-1/line/1")
	if line1.Props["procedure_code"] != "99213" || line1.Props["charge"] != 100.0 {
		t.Errorf("line 1 props = %v", line1.Props)
	}
	mods, ok := line1.Props["modifiers"].([]string)
	if !ok || len(mods) != 1 || mods[0] != "25" {
		t.Errorf("line 1 modifiers = %v", line1.Props["modifiers"])
	}
	findEdge(t, res, entity.EdgeHasLine, "Claim/CLM-1", "Claim/CLM-1/line/1")
	findEdge(t, res, entity.EdgeHasLine, "Claim/CLM-1", "Claim/CLM-1/line/2")

	if n := countLabel(res, entity.LabelCondition); n != 2 {
		t.Errorf("diagnoses = %d, want 2 from HI", n)
	}
}

func Test835DenialFromCAS(t *testing.T) {
	body := "CLP*CLM-1*4*150*0*0*MC*ICN123~" +
		"CAS*CO*50*150~"
	res := NewX12Connector().Parse([]byte(x12Interchange("835", body)), testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}

	claim := findVertex(t, res, entity.LabelClaim, "Claim/CLM-1")
	if claim.Props["status"] != "denied" {
		t.Errorf("CLP02=4 status = %v, want denied", claim.Props["status"])
	}
	if n := countLabel(res, entity.LabelDenial); n != 1 {
		t.Fatalf("denials = %d, want 1", n)
	}
	for _, v := range res.Vertices {
		if v.Label == entity.LabelDenial {
			if v.Props["category"] != "medNec" {
				t.Errorf("CARC 50 category = %v, want medNec", v.Props["category"])
			}
			if v.Props["denied_amount"] != 150.0 {
				t.Errorf("denied_amount = %v", v.Props["denied_amount"])
			}
			findEdge(t, res, entity.EdgeHasDenial, "Claim/CLM-1", v.ID)
		}
	}
}

func Test278AuthorizationActions(t *testing.T) {
	cases := []struct {
		action string
		status string
	}{
		{"A1", "approved"},
		{"A2", "approved"},
		{"A3", "denied"},
		{"A4", "pending"},
		{"A6", "cancelled"},
	}
	for _, tc := range cases {
		body := "NM1*IL*1*DOE*JOHN****MI*MBR123~HCR*" + tc.action + "*AUTH-9~"
		res := NewX12Connector().Parse([]byte(x12Interchange("278", body)), testOpts)
		if !res.Success {
			t.Fatalf("%s: parse failed: %v", tc.action, res.Errors)
		}
		auth := findVertex(t, res, entity.LabelAuthorization, "Authorization/AUTH-9")
		if auth.Props["status"] != tc.status {
			t.Errorf("action %s: status = %v, want %s", tc.action, auth.Props["status"], tc.status)
		}
	}

	body := "HCR*A9*AUTH-10~"
	res := NewX12Connector().Parse([]byte(x12Interchange("278", body)), testOpts)
	if len(res.Errors) != 1 {
		t.Errorf("unknown action code: errors = %v, want 1", res.Errors)
	}
}

func TestX12SeparatorDetection(t *testing.T) {
	// Same 837 with | as element separator and > as component separator.
	isa := "ISA|00|          |00|          |ZZ|SENDER         |ZZ|RECEIVER       |240115|0930|^|00501|000000001|0|P|>~"
	raw := isa + "GS|HC|S|R|20240115|0930|1|X|005010~ST|837|0001~" +
		"NM1|IL|1|DOE|JOHN||||MI|MBR123~CLM|CLM-2|75.00~SV1|HC>99214|75.00|UN|1~SE|6|0001~GE|1|1~IEA|1|000000001~"
	res := NewX12Connector().Parse([]byte(raw), testOpts)
	if !res.Success {
		t.Fatalf("parse failed: %v", res.Errors)
	}
	line := findVertex(t, res, entity.LabelClaimLine, "Claim/CLM-2/line/1")
	if line.Props["procedure_code"] != "99214" {
		t.Errorf("procedure_code = %v with > component separator", line.Props["procedure_code"])
	}
}

func TestX12RejectsTruncatedISA(t *testing.T) {
	res := NewX12Connector().Parse([]byte("ISA*00*short~"), testOpts)
	if res.Success {
		t.Fatal("expected failure for truncated ISA")
	}
}
