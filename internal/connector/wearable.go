package connector

import (
	"encoding/json"
	"fmt"

	"github.com/aegis-health/aegis/internal/entity"
)

// WearableConnector ingests device sample batches. Samples become
// Observations with category "wearable"; sample types map to LOINC where a
// mapping is known, otherwise the device's own type string is kept as the code.
type WearableConnector struct{}

// NewWearableConnector creates the connector.
func NewWearableConnector() *WearableConnector {
	return &WearableConnector{}
}

// Type implements Connector.
func (c *WearableConnector) Type() SourceType { return SourceWearable }

type wearableBatch struct {
	PatientMRN string           `json:"patient_mrn"`
	DeviceID   string           `json:"device_id"`
	DeviceType string           `json:"device_type"`
	Samples    []wearableSample `json:"samples"`
}

type wearableSample struct {
	Type      string   `json:"type"` // heart_rate, steps, spo2, ...
	Timestamp string   `json:"ts"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit"`
}

// wearableLOINC maps common sample types to LOINC codes.
var wearableLOINC = map[string]struct{ code, display, unit string }{
	"heart_rate":       {"8867-4", "Heart rate", "/min"},
	"spo2":             {"59408-5", "Oxygen saturation", "%"},
	"steps":            {"55423-8", "Number of steps", "steps"},
	"respiratory_rate": {"9279-1", "Respiratory rate", "/min"},
	"body_temperature": {"8310-5", "Body temperature", "Cel"},
	"sleep_duration":   {"93832-4", "Sleep duration", "h"},
}

// Validate implements Connector.
func (c *WearableConnector) Validate(payload []byte) []error {
	var b wearableBatch
	if err := json.Unmarshal(payload, &b); err != nil {
		return []error{fmt.Errorf("wearable: invalid JSON: %w", err)}
	}
	var errs []error
	if b.PatientMRN == "" {
		errs = append(errs, fmt.Errorf("wearable: patient_mrn is required"))
	}
	if b.DeviceID == "" {
		errs = append(errs, fmt.Errorf("wearable: device_id is required"))
	}
	return errs
}

// Parse implements Connector.
func (c *WearableConnector) Parse(payload []byte, opts Options) ParseResult {
	var b wearableBatch
	if err := json.Unmarshal(payload, &b); err != nil {
		return failure("wearable: invalid JSON: %v", err)
	}
	if b.PatientMRN == "" {
		return failure("wearable: patient_mrn is required")
	}
	if b.DeviceID == "" {
		return failure("wearable: device_id is required")
	}

	res := ParseResult{Success: true, Metadata: map[string]string{
		"device_id": b.DeviceID,
		"samples":   fmt.Sprintf("%d", len(b.Samples)),
	}}

	patientID := entity.NaturalID(entity.LabelPatient, b.PatientMRN)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, patientID, opts,
		map[string]any{"mrn": b.PatientMRN}))

	for i, s := range b.Samples {
		if s.Type == "" {
			res.addError("wearable: sample %d has no type", i)
			continue
		}
		if s.Value == nil {
			res.addError("wearable: sample %d (%s) has no value", i, s.Type)
			continue
		}
		if s.Timestamp == "" {
			res.addError("wearable: sample %d (%s) has no timestamp", i, s.Type)
			continue
		}

		props := map[string]any{
			"category":  "wearable",
			"device_id": b.DeviceID,
			"value_num": *s.Value,
			"unit":      s.Unit,
		}
		if m, ok := wearableLOINC[s.Type]; ok {
			props["code"] = m.code
			props["code_system"] = "http://loinc.org"
			props["display"] = m.display
			if s.Unit == "" {
				props["unit"] = m.unit
			}
		} else {
			props["code"] = s.Type
			res.addWarning("wearable: sample %d: no LOINC mapping for type %q", i, s.Type)
		}
		props["effective_ts"] = s.Timestamp

		id := entity.ContentID(entity.LabelObservation, map[string]any{
			"patient": patientID, "device": b.DeviceID, "type": s.Type, "ts": s.Timestamp,
		})
		res.Vertices = append(res.Vertices, newVertex(entity.LabelObservation, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasObservation,
			entity.LabelPatient, patientID, entity.LabelObservation, id, opts))
	}
	return res
}
