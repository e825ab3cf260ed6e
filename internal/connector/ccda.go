package connector

import (
	"encoding/xml"
	"strings"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/platform/hl7v2"
)

// CCDAConnector extracts problems, medications, and allergies from C-CDA
// documents. Section dispatch is by LOINC code: 11450-4 problem list,
// 10160-0 medication history, 48765-2 allergies.
type CCDAConnector struct{}

// NewCCDAConnector creates the connector.
func NewCCDAConnector() *CCDAConnector {
	return &CCDAConnector{}
}

// Type implements Connector.
func (c *CCDAConnector) Type() SourceType { return SourceCCDA }

const (
	loincProblems    = "11450-4"
	loincMedications = "10160-0"
	loincAllergies   = "48765-2"
)

type cdaDocument struct {
	XMLName      xml.Name `xml:"ClinicalDocument"`
	Title        string   `xml:"title"`
	ID           cdaID    `xml:"id"`
	RecordTarget struct {
		PatientRole struct {
			IDs     []cdaID `xml:"id"`
			Patient struct {
				Name struct {
					Given  string `xml:"given"`
					Family string `xml:"family"`
				} `xml:"name"`
				Gender struct {
					Code string `xml:"code,attr"`
				} `xml:"administrativeGenderCode"`
				BirthTime struct {
					Value string `xml:"value,attr"`
				} `xml:"birthTime"`
			} `xml:"patient"`
		} `xml:"patientRole"`
	} `xml:"recordTarget"`
	Component struct {
		StructuredBody struct {
			Components []struct {
				Section cdaSection `xml:"section"`
			} `xml:"component"`
		} `xml:"structuredBody"`
	} `xml:"component"`
}

type cdaID struct {
	Root      string `xml:"root,attr"`
	Extension string `xml:"extension,attr"`
}

type cdaSection struct {
	Code struct {
		Code string `xml:"code,attr"`
	} `xml:"code"`
	Title   string     `xml:"title"`
	Entries []cdaEntry `xml:"entry"`
}

type cdaEntry struct {
	Act struct {
		EntryRelationships []struct {
			Observation cdaObservation `xml:"observation"`
		} `xml:"entryRelationship"`
	} `xml:"act"`
	Observation            cdaObservation `xml:"observation"`
	SubstanceAdministration struct {
		StatusCode struct {
			Code string `xml:"code,attr"`
		} `xml:"statusCode"`
		EffectiveTime []struct {
			Low struct {
				Value string `xml:"value,attr"`
			} `xml:"low"`
		} `xml:"effectiveTime"`
		Consumable struct {
			Material struct {
				Code cdaCode `xml:"code"`
			} `xml:"manufacturedProduct>manufacturedMaterial"`
		} `xml:"consumable"`
	} `xml:"substanceAdministration"`
}

type cdaObservation struct {
	Value cdaCode `xml:"value"`
	Code  cdaCode `xml:"code"`
	EffectiveTime struct {
		Low struct {
			Value string `xml:"value,attr"`
		} `xml:"low"`
	} `xml:"effectiveTime"`
	Participant struct {
		Role struct {
			Entity struct {
				Code cdaCode `xml:"code"`
			} `xml:"playingEntity"`
		} `xml:"participantRole"`
	} `xml:"participant"`
}

type cdaCode struct {
	Code        string `xml:"code,attr"`
	CodeSystem  string `xml:"codeSystem,attr"`
	DisplayName string `xml:"displayName,attr"`
}

// Validate implements Connector.
func (c *CCDAConnector) Validate(payload []byte) []error {
	var doc cdaDocument
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return []error{err}
	}
	return nil
}

// Parse implements Connector.
func (c *CCDAConnector) Parse(payload []byte, opts Options) ParseResult {
	var doc cdaDocument
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return failure("ccda: invalid XML: %v", err)
	}

	res := ParseResult{Success: true, Metadata: map[string]string{"title": doc.Title}}

	patientID := c.parsePatient(&res, &doc, opts)
	if patientID == "" {
		return res
	}

	docID := doc.ID.Extension
	if docID == "" {
		docID = doc.ID.Root
	}
	var docVertexID string
	if docID != "" {
		docVertexID = entity.NaturalID(entity.LabelClinicalDocument, docID)
		res.Vertices = append(res.Vertices, newVertex(entity.LabelClinicalDocument, docVertexID, opts,
			map[string]any{"title": doc.Title}))
	}

	for _, comp := range doc.Component.StructuredBody.Components {
		sec := comp.Section
		switch sec.Code.Code {
		case loincProblems:
			c.parseProblems(&res, sec, opts, patientID, docVertexID)
		case loincMedications:
			c.parseMedications(&res, sec, opts, patientID, docVertexID)
		case loincAllergies:
			c.parseAllergies(&res, sec, opts, patientID, docVertexID)
		default:
			if sec.Code.Code != "" {
				res.addWarning("ccda: ignoring section %q (%s)", sec.Title, sec.Code.Code)
			}
		}
	}
	return res
}

func (c *CCDAConnector) parsePatient(res *ParseResult, doc *cdaDocument, opts Options) string {
	role := doc.RecordTarget.PatientRole
	mrn := ""
	for _, id := range role.IDs {
		if id.Extension != "" {
			mrn = id.Extension
			break
		}
	}
	if mrn == "" {
		res.addError("ccda: patientRole has no usable identifier")
		return ""
	}

	props := map[string]any{
		"mrn":    mrn,
		"given":  role.Patient.Name.Given,
		"family": role.Patient.Name.Family,
		"gender": mapCDAGender(role.Patient.Gender.Code),
	}
	if iso, ok := hl7v2.ISODate(role.Patient.BirthTime.Value); ok {
		props["birth_date"] = iso
	}

	id := entity.NaturalID(entity.LabelPatient, mrn)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, id, opts, props))
	return id
}

func (c *CCDAConnector) parseProblems(res *ParseResult, sec cdaSection, opts Options, patientID, docID string) {
	for _, e := range sec.Entries {
		obs := firstObservation(e)
		if obs.Value.Code == "" {
			res.addError("ccda: problem entry without coded value")
			continue
		}
		props := map[string]any{
			"code":            obs.Value.Code,
			"code_system":     obs.Value.CodeSystem,
			"display":         obs.Value.DisplayName,
			"clinical_status": "active",
		}
		if iso, ok := hl7v2.ISODate(obs.EffectiveTime.Low.Value); ok {
			props["onset_ts"] = iso
		}
		id := entity.ContentID(entity.LabelCondition, map[string]any{"patient": patientID, "code": obs.Value.Code})
		res.Vertices = append(res.Vertices, newVertex(entity.LabelCondition, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasCondition,
			entity.LabelPatient, patientID, entity.LabelCondition, id, opts))
		if docID != "" {
			res.Edges = append(res.Edges, newEdge(entity.EdgeDocumentsCondition,
				entity.LabelClinicalDocument, docID, entity.LabelCondition, id, opts))
		}
	}
}

func (c *CCDAConnector) parseMedications(res *ParseResult, sec cdaSection, opts Options, patientID, docID string) {
	for _, e := range sec.Entries {
		sa := e.SubstanceAdministration
		code := sa.Consumable.Material.Code
		if code.Code == "" {
			res.addError("ccda: medication entry without product code")
			continue
		}
		props := map[string]any{
			"code":        code.Code,
			"code_system": code.CodeSystem,
			"display":     code.DisplayName,
			"status":      sa.StatusCode.Code,
		}
		if len(sa.EffectiveTime) > 0 {
			if iso, ok := hl7v2.ISODate(sa.EffectiveTime[0].Low.Value); ok {
				props["start_ts"] = iso
			}
		}
		id := entity.ContentID(entity.LabelMedication, map[string]any{"patient": patientID, "code": code.Code})
		res.Vertices = append(res.Vertices, newVertex(entity.LabelMedication, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasMedication,
			entity.LabelPatient, patientID, entity.LabelMedication, id, opts))
		if docID != "" {
			res.Edges = append(res.Edges, newEdge(entity.EdgeDocumentsMed,
				entity.LabelClinicalDocument, docID, entity.LabelMedication, id, opts))
		}
	}
}

func (c *CCDAConnector) parseAllergies(res *ParseResult, sec cdaSection, opts Options, patientID, docID string) {
	for _, e := range sec.Entries {
		obs := firstObservation(e)
		substance := obs.Participant.Role.Entity.Code
		if substance.Code == "" && obs.Value.Code == "" {
			res.addError("ccda: allergy entry without substance or reaction code")
			continue
		}
		props := map[string]any{
			"substance_code":    substance.Code,
			"substance_display": substance.DisplayName,
			"reaction_code":     obs.Value.Code,
			"reaction_display":  obs.Value.DisplayName,
		}
		key := substance.Code
		if key == "" {
			key = obs.Value.Code
		}
		id := entity.ContentID(entity.LabelAllergy, map[string]any{"patient": patientID, "substance": key})
		res.Vertices = append(res.Vertices, newVertex(entity.LabelAllergy, id, opts, props))
		if docID != "" {
			res.Edges = append(res.Edges, newEdge(entity.EdgeDocumentsAllergy,
				entity.LabelClinicalDocument, docID, entity.LabelAllergy, id, opts))
		}
	}
}

// firstObservation returns the entry's direct observation or the first one
// nested under an act wrapper.
func firstObservation(e cdaEntry) cdaObservation {
	if e.Observation.Value.Code != "" || e.Observation.Participant.Role.Entity.Code.Code != "" {
		return e.Observation
	}
	for _, rel := range e.Act.EntryRelationships {
		return rel.Observation
	}
	return e.Observation
}

func mapCDAGender(code string) string {
	switch strings.ToUpper(code) {
	case "M":
		return "male"
	case "F":
		return "female"
	default:
		return "unknown"
	}
}
