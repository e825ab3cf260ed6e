package connector

import (
	"strconv"
	"strings"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/platform/hl7v2"
)

// HL7v2Connector handles ADT and ORU messages. Segment mapping:
// PID -> Patient, PV1 -> Encounter, DG1 -> Condition, OBX -> Observation,
// IN1 -> Coverage. The MSH-9 trigger event drives encounter status.
type HL7v2Connector struct{}

// NewHL7v2Connector creates the connector.
func NewHL7v2Connector() *HL7v2Connector {
	return &HL7v2Connector{}
}

// Type implements Connector.
func (c *HL7v2Connector) Type() SourceType { return SourceHL7v2 }

// Validate implements Connector.
func (c *HL7v2Connector) Validate(payload []byte) []error {
	if _, err := hl7v2.Parse(payload); err != nil {
		return []error{err}
	}
	return nil
}

// triggerStatus maps an ADT trigger event to the encounter status it implies.
func triggerStatus(trigger string) (status string, known bool) {
	switch trigger {
	case "A01", "A04":
		return "in-progress", true
	case "A03":
		return "finished", true
	case "A08":
		return "update", true
	default:
		return "", false
	}
}

// Parse implements Connector.
func (c *HL7v2Connector) Parse(payload []byte, opts Options) ParseResult {
	msg, err := hl7v2.Parse(payload)
	if err != nil {
		return failure("hl7v2: %v", err)
	}

	res := ParseResult{Success: true, Metadata: map[string]string{
		"message_type": msg.Type,
		"control_id":   msg.ControlID,
	}}

	patientID := c.parsePID(&res, msg, opts)
	if patientID == "" {
		return res
	}

	encounterID := c.parsePV1(&res, msg, opts, patientID)
	c.parseDG1(&res, msg, opts, patientID, encounterID)
	c.parseOBX(&res, msg, opts, patientID, encounterID)
	c.parseIN1(&res, msg, opts, patientID)
	return res
}

func (c *HL7v2Connector) parsePID(res *ParseResult, msg *hl7v2.Message, opts Options) string {
	pid := msg.Segment("PID")
	if pid == nil {
		res.addError("hl7v2: missing PID segment")
		return ""
	}
	mrn := pid.Component(3, 1)
	if mrn == "" {
		res.addError("hl7v2: PID-3 patient identifier is empty")
		return ""
	}

	props := map[string]any{
		"mrn":    mrn,
		"family": pid.Component(5, 1),
		"given":  pid.Component(5, 2),
		"gender": strings.ToLower(pid.Field(8)),
	}
	// Birth dates may omit the day; that is not an error.
	if iso, ok := hl7v2.ISODate(pid.Field(7)); ok {
		props["birth_date"] = iso
	}

	id := entity.NaturalID(entity.LabelPatient, mrn)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, id, opts, props))
	return id
}

func (c *HL7v2Connector) parsePV1(res *ParseResult, msg *hl7v2.Message, opts Options, patientID string) string {
	pv1 := msg.Segment("PV1")
	if pv1 == nil {
		return ""
	}
	visitNum := pv1.Component(19, 1)
	if visitNum == "" {
		res.addWarning("hl7v2: PV1 present without PV1-19 visit number, skipping encounter")
		return ""
	}

	status, known := triggerStatus(msg.TriggerEvent)
	if !known {
		status = "unknown"
		res.addWarning("hl7v2: unmapped trigger event %q", msg.TriggerEvent)
	}

	props := map[string]any{
		"class":  patientClass(pv1.Field(2)),
		"status": status,
	}
	if loc := pv1.Component(3, 1); loc != "" {
		props["location_ref"] = loc
	}
	if attending := pv1.Component(7, 1); attending != "" {
		props["provider_ref"] = attending
	}
	if iso, ok := hl7v2.ISODate(pv1.Field(44)); ok {
		props["period_start"] = iso
	}
	if iso, ok := hl7v2.ISODate(pv1.Field(45)); ok {
		props["period_end"] = iso
	}

	id := entity.NaturalID(entity.LabelEncounter, visitNum)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelEncounter, id, opts, props))
	res.Edges = append(res.Edges, newEdge(entity.EdgeHasEncounter,
		entity.LabelPatient, patientID, entity.LabelEncounter, id, opts))
	return id
}

func (c *HL7v2Connector) parseDG1(res *ParseResult, msg *hl7v2.Message, opts Options, patientID, encounterID string) {
	for i, dg1 := range msg.AllSegments("DG1") {
		code := dg1.Component(3, 1)
		if code == "" {
			res.addError("hl7v2: DG1 segment %d without diagnosis code", i+1)
			continue
		}
		props := map[string]any{
			"code":            code,
			"display":         dg1.Component(3, 2),
			"code_system":     codeSystemFromHL7(dg1.Component(3, 3)),
			"clinical_status": "active",
		}
		if encounterID != "" {
			props["encounter_id"] = encounterID
		}
		if iso, ok := hl7v2.ISODate(dg1.Field(5)); ok {
			props["onset_ts"] = iso
		}

		id := entity.ContentID(entity.LabelCondition, map[string]any{
			"patient": patientID, "code": code, "encounter": encounterID,
		})
		res.Vertices = append(res.Vertices, newVertex(entity.LabelCondition, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasCondition,
			entity.LabelPatient, patientID, entity.LabelCondition, id, opts))
	}
}

func (c *HL7v2Connector) parseOBX(res *ParseResult, msg *hl7v2.Message, opts Options, patientID, encounterID string) {
	for i, obx := range msg.AllSegments("OBX") {
		code := obx.Component(3, 1)
		if code == "" {
			res.addError("hl7v2: OBX segment %d without observation code", i+1)
			continue
		}
		props := map[string]any{
			"code":    code,
			"display": obx.Component(3, 2),
			"unit":    obx.Component(6, 1),
		}
		if encounterID != "" {
			props["encounter_id"] = encounterID
		}
		raw := obx.Component(5, 1)
		if obx.Field(2) == "NM" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				props["value_num"] = v
			} else {
				res.addError("hl7v2: OBX segment %d: non-numeric value %q for NM type", i+1, raw)
				continue
			}
		} else {
			props["value_str"] = raw
		}
		if rr := obx.Field(7); rr != "" {
			props["ref_range"] = rr
		}
		if iso, ok := hl7v2.ISODate(obx.Field(14)); ok {
			props["effective_ts"] = iso
		}

		id := entity.ContentID(entity.LabelObservation, map[string]any{
			"patient": patientID, "code": code, "seq": obx.Field(1), "ts": obx.Field(14),
		})
		res.Vertices = append(res.Vertices, newVertex(entity.LabelObservation, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasObservation,
			entity.LabelPatient, patientID, entity.LabelObservation, id, opts))
	}
}

func (c *HL7v2Connector) parseIN1(res *ParseResult, msg *hl7v2.Message, opts Options, patientID string) {
	for _, in1 := range msg.AllSegments("IN1") {
		payer := in1.Component(3, 1)
		if payer == "" {
			continue
		}
		props := map[string]any{
			"payer_id":  payer,
			"payer":     in1.Component(4, 1),
			"member_id": in1.Field(36),
			"type":      in1.Component(2, 1),
		}
		id := entity.ContentID(entity.LabelCoverage, map[string]any{
			"patient": patientID, "payer": payer,
		})
		res.Vertices = append(res.Vertices, newVertex(entity.LabelCoverage, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasCoverage,
			entity.LabelPatient, patientID, entity.LabelCoverage, id, opts))
	}
}

// patientClass maps PV1-2 to the unified encounter class.
func patientClass(code string) string {
	switch strings.ToUpper(code) {
	case "I":
		return "inpatient"
	case "O":
		return "outpatient"
	case "E":
		return "emergency"
	default:
		return strings.ToLower(code)
	}
}

// codeSystemFromHL7 maps HL7 coding system mnemonics to canonical URIs.
func codeSystemFromHL7(name string) string {
	switch strings.ToUpper(name) {
	case "I10", "ICD10", "ICD-10-CM":
		return "http://hl7.org/fhir/sid/icd-10-cm"
	case "LN", "LOINC":
		return "http://loinc.org"
	case "SCT", "SNM", "SNOMED":
		return "http://snomed.info/sct"
	default:
		return name
	}
}
