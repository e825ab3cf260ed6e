package connector

import (
	"encoding/json"
	"fmt"

	"github.com/aegis-health/aegis/internal/entity"
)

// PROConnector ingests patient-reported outcome and SDOH screening
// submissions. Each answered item becomes an Observation; instruments with a
// total score additionally emit a summary Observation carrying the score.
type PROConnector struct{}

// NewPROConnector creates the connector.
func NewPROConnector() *PROConnector {
	return &PROConnector{}
}

// Type implements Connector.
func (c *PROConnector) Type() SourceType { return SourcePRO }

type proSubmission struct {
	PatientMRN string    `json:"patient_mrn"`
	Instrument string    `json:"instrument"` // PHQ-9, GAD-7, PRAPARE, ...
	Category   string    `json:"category"`   // "pro" or "sdoh"
	Authored   string    `json:"authored"`
	Items      []proItem `json:"items"`
	TotalScore *float64  `json:"total_score"`
	ScoreCode  string    `json:"score_code"`
}

type proItem struct {
	Code       string   `json:"code"`
	CodeSystem string   `json:"code_system"`
	Text       string   `json:"text"`
	ValueNum   *float64 `json:"value_num"`
	ValueStr   string   `json:"value_str"`
}

// Validate implements Connector.
func (c *PROConnector) Validate(payload []byte) []error {
	var sub proSubmission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return []error{fmt.Errorf("pro: invalid JSON: %w", err)}
	}
	var errs []error
	if sub.PatientMRN == "" {
		errs = append(errs, fmt.Errorf("pro: patient_mrn is required"))
	}
	if sub.Instrument == "" {
		errs = append(errs, fmt.Errorf("pro: instrument is required"))
	}
	return errs
}

// Parse implements Connector.
func (c *PROConnector) Parse(payload []byte, opts Options) ParseResult {
	var sub proSubmission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return failure("pro: invalid JSON: %v", err)
	}
	if sub.PatientMRN == "" {
		return failure("pro: patient_mrn is required")
	}
	if sub.Instrument == "" {
		return failure("pro: instrument is required")
	}

	category := sub.Category
	if category == "" {
		category = "pro"
	}

	res := ParseResult{Success: true, Metadata: map[string]string{"instrument": sub.Instrument}}

	patientID := entity.NaturalID(entity.LabelPatient, sub.PatientMRN)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, patientID, opts,
		map[string]any{"mrn": sub.PatientMRN}))

	emit := func(id string, props map[string]any) {
		props["category"] = category
		props["instrument"] = sub.Instrument
		if sub.Authored != "" {
			props["effective_ts"] = sub.Authored
		}
		res.Vertices = append(res.Vertices, newVertex(entity.LabelObservation, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasObservation,
			entity.LabelPatient, patientID, entity.LabelObservation, id, opts))
	}

	for i, item := range sub.Items {
		if item.Code == "" {
			res.addError("pro: item %d has no code", i)
			continue
		}
		if item.ValueNum == nil && item.ValueStr == "" {
			res.addError("pro: item %d (%s) has no answer", i, item.Code)
			continue
		}
		props := map[string]any{
			"code":        item.Code,
			"code_system": item.CodeSystem,
			"display":     item.Text,
		}
		if item.ValueNum != nil {
			props["value_num"] = *item.ValueNum
		} else {
			props["value_str"] = item.ValueStr
		}
		id := entity.ContentID(entity.LabelObservation, map[string]any{
			"patient": patientID, "code": item.Code, "ts": sub.Authored,
		})
		emit(id, props)
	}

	if sub.TotalScore != nil {
		code := sub.ScoreCode
		if code == "" {
			code = sub.Instrument + "-total"
		}
		id := entity.ContentID(entity.LabelObservation, map[string]any{
			"patient": patientID, "code": code, "ts": sub.Authored,
		})
		emit(id, map[string]any{"code": code, "value_num": *sub.TotalScore})
	}
	return res
}
