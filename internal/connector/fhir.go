package connector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-health/aegis/internal/entity"
)

// FHIRConnector parses FHIR R4 Bundles. Entries are dispatched on
// resourceType; unknown resource types are skipped with a warning.
type FHIRConnector struct{}

// NewFHIRConnector creates the connector.
func NewFHIRConnector() *FHIRConnector {
	return &FHIRConnector{}
}

// Type implements Connector.
func (c *FHIRConnector) Type() SourceType { return SourceFHIR }

type fhirBundle struct {
	ResourceType string      `json:"resourceType"`
	Entry        []fhirEntry `json:"entry"`
}

type fhirEntry struct {
	Resource json.RawMessage `json:"resource"`
}

type fhirResource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`

	// Patient
	Name []struct {
		Given  []string `json:"given"`
		Family string   `json:"family"`
	} `json:"name"`
	BirthDate string `json:"birthDate"`
	Gender    string `json:"gender"`
	DeceasedBoolean *bool `json:"deceasedBoolean"`
	Identifier []struct {
		System string `json:"system"`
		Value  string `json:"value"`
	} `json:"identifier"`

	// Shared references
	Subject   *fhirReference `json:"subject"`
	Encounter *fhirReference `json:"encounter"`

	// Encounter
	Class *struct {
		Code string `json:"code"`
	} `json:"class"`
	Status string `json:"status"`
	Period *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"period"`

	// Condition / Observation / MedicationRequest / Procedure
	Code *struct {
		Coding []struct {
			System  string `json:"system"`
			Code    string `json:"code"`
			Display string `json:"display"`
		} `json:"coding"`
		Text string `json:"text"`
	} `json:"code"`
	MedicationCodeableConcept *struct {
		Coding []struct {
			System  string `json:"system"`
			Code    string `json:"code"`
			Display string `json:"display"`
		} `json:"coding"`
	} `json:"medicationCodeableConcept"`
	ClinicalStatus *struct {
		Coding []struct {
			Code string `json:"code"`
		} `json:"coding"`
	} `json:"clinicalStatus"`
	ValueQuantity *struct {
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
	} `json:"valueQuantity"`
	ValueString          string `json:"valueString"`
	EffectiveDateTime    string `json:"effectiveDateTime"`
	OnsetDateTime        string `json:"onsetDateTime"`
	PerformedDateTime    string `json:"performedDateTime"`
	AuthoredOn           string `json:"authoredOn"`
}

type fhirReference struct {
	Reference string `json:"reference"`
}

// Validate implements Connector.
func (c *FHIRConnector) Validate(payload []byte) []error {
	var b fhirBundle
	if err := json.Unmarshal(payload, &b); err != nil {
		return []error{fmt.Errorf("fhir: invalid JSON: %w", err)}
	}
	if b.ResourceType != "Bundle" {
		return []error{fmt.Errorf("fhir: expected resourceType Bundle, got %q", b.ResourceType)}
	}
	return nil
}

// Parse implements Connector.
func (c *FHIRConnector) Parse(payload []byte, opts Options) ParseResult {
	var b fhirBundle
	if err := json.Unmarshal(payload, &b); err != nil {
		return failure("fhir: invalid JSON: %v", err)
	}
	if b.ResourceType != "Bundle" {
		return failure("fhir: expected resourceType Bundle, got %q", b.ResourceType)
	}

	res := ParseResult{Success: true, Metadata: map[string]string{"entries": fmt.Sprintf("%d", len(b.Entry))}}

	for i, e := range b.Entry {
		var r fhirResource
		if err := json.Unmarshal(e.Resource, &r); err != nil {
			res.addError("fhir: entry %d: invalid resource: %v", i, err)
			continue
		}

		switch r.ResourceType {
		case "Patient":
			c.parsePatient(&res, &r, opts)
		case "Encounter":
			c.parseEncounter(&res, &r, opts)
		case "Condition":
			c.parseCoded(&res, &r, opts, entity.LabelCondition, entity.EdgeHasCondition)
		case "Observation":
			c.parseObservation(&res, &r, opts)
		case "MedicationRequest":
			c.parseCoded(&res, &r, opts, entity.LabelMedication, entity.EdgeHasMedication)
		case "Procedure":
			c.parseCoded(&res, &r, opts, entity.LabelProcedure, entity.EdgeHasProcedure)
		case "":
			res.addError("fhir: entry %d: missing resourceType", i)
		default:
			res.addWarning("fhir: entry %d: ignoring unknown resourceType %q", i, r.ResourceType)
		}
	}
	return res
}

func (c *FHIRConnector) parsePatient(res *ParseResult, r *fhirResource, opts Options) {
	mrn := r.ID
	for _, ident := range r.Identifier {
		if strings.Contains(ident.System, "mrn") && ident.Value != "" {
			mrn = ident.Value
		}
	}
	if mrn == "" {
		res.addError("fhir: Patient without id or MRN identifier")
		return
	}

	props := map[string]any{"mrn": mrn, "gender": r.Gender, "birth_date": r.BirthDate}
	if len(r.Name) > 0 {
		props["family"] = r.Name[0].Family
		props["given"] = strings.Join(r.Name[0].Given, " ")
	}
	if r.DeceasedBoolean != nil {
		props["deceased"] = *r.DeceasedBoolean
	}
	res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, entity.NaturalID(entity.LabelPatient, mrn), opts, props))
}

func (c *FHIRConnector) parseEncounter(res *ParseResult, r *fhirResource, opts Options) {
	if r.ID == "" {
		res.addError("fhir: Encounter without id")
		return
	}
	props := map[string]any{"status": r.Status}
	if r.Class != nil {
		props["class"] = mapEncounterClass(r.Class.Code)
	}
	if r.Period != nil {
		props["period_start"] = r.Period.Start
		props["period_end"] = r.Period.End
	}
	id := entity.NaturalID(entity.LabelEncounter, r.ID)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelEncounter, id, opts, props))

	if ref := referenceID(r.Subject); ref != "" {
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasEncounter,
			entity.LabelPatient, entity.NaturalID(entity.LabelPatient, ref),
			entity.LabelEncounter, id, opts))
	}
}

func (c *FHIRConnector) parseObservation(res *ParseResult, r *fhirResource, opts Options) {
	id, props, ok := c.codedBase(res, r, entity.LabelObservation)
	if !ok {
		return
	}
	if r.ValueQuantity != nil {
		props["value_num"] = r.ValueQuantity.Value
		props["unit"] = r.ValueQuantity.Unit
	}
	if r.ValueString != "" {
		props["value_str"] = r.ValueString
	}
	if r.EffectiveDateTime != "" {
		props["effective_ts"] = r.EffectiveDateTime
	}
	c.emitCoded(res, r, opts, entity.LabelObservation, entity.EdgeHasObservation, id, props)
}

// parseCoded handles the resources whose shape is (code, subject, optional
// encounter): Condition, MedicationRequest, Procedure.
func (c *FHIRConnector) parseCoded(res *ParseResult, r *fhirResource, opts Options, label, edgeLabel string) {
	id, props, ok := c.codedBase(res, r, label)
	if !ok {
		return
	}
	switch label {
	case entity.LabelCondition:
		if r.ClinicalStatus != nil && len(r.ClinicalStatus.Coding) > 0 {
			props["clinical_status"] = r.ClinicalStatus.Coding[0].Code
		}
		if r.OnsetDateTime != "" {
			props["onset_ts"] = r.OnsetDateTime
		}
	case entity.LabelMedication:
		props["status"] = r.Status
		if r.AuthoredOn != "" {
			props["start_ts"] = r.AuthoredOn
		}
	case entity.LabelProcedure:
		if r.PerformedDateTime != "" {
			props["performed_ts"] = r.PerformedDateTime
		}
	}
	c.emitCoded(res, r, opts, label, edgeLabel, id, props)
}

func (c *FHIRConnector) codedBase(res *ParseResult, r *fhirResource, label string) (string, map[string]any, bool) {
	if r.ID == "" {
		res.addError("fhir: %s without id", label)
		return "", nil, false
	}
	props := map[string]any{}

	coding := r.Code
	if coding == nil && r.MedicationCodeableConcept != nil && len(r.MedicationCodeableConcept.Coding) > 0 {
		props["code"] = r.MedicationCodeableConcept.Coding[0].Code
		props["code_system"] = r.MedicationCodeableConcept.Coding[0].System
		props["display"] = r.MedicationCodeableConcept.Coding[0].Display
	} else if coding != nil && len(coding.Coding) > 0 {
		props["code"] = coding.Coding[0].Code
		props["code_system"] = coding.Coding[0].System
		props["display"] = coding.Coding[0].Display
	}
	return entity.NaturalID(label, r.ID), props, true
}

func (c *FHIRConnector) emitCoded(res *ParseResult, r *fhirResource, opts Options, label, edgeLabel, id string, props map[string]any) {
	if ref := referenceID(r.Encounter); ref != "" {
		props["encounter_id"] = entity.NaturalID(entity.LabelEncounter, ref)
	}
	res.Vertices = append(res.Vertices, newVertex(label, id, opts, props))

	if ref := referenceID(r.Subject); ref != "" {
		res.Edges = append(res.Edges, newEdge(edgeLabel,
			entity.LabelPatient, entity.NaturalID(entity.LabelPatient, ref),
			label, id, opts))
	}
}

// referenceID strips the resource-type prefix from a FHIR reference like
// "Patient/P1".
func referenceID(ref *fhirReference) string {
	if ref == nil || ref.Reference == "" {
		return ""
	}
	if idx := strings.LastIndex(ref.Reference, "/"); idx >= 0 {
		return ref.Reference[idx+1:]
	}
	return ref.Reference
}

// mapEncounterClass normalizes FHIR ActCode encounter classes to the unified
// model's class values.
func mapEncounterClass(code string) string {
	switch strings.ToUpper(code) {
	case "IMP", "ACUTE", "NONAC":
		return "inpatient"
	case "AMB":
		return "outpatient"
	case "EMER":
		return "emergency"
	default:
		return strings.ToLower(code)
	}
}
