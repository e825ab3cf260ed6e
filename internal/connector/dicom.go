package connector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-health/aegis/internal/entity"
)

// DICOMConnector parses DICOM JSON metadata (PS3.18 annex F). Pixel data is
// out of scope; only study-level attributes become vertices. The study
// instance UID (0020,000D) is the natural key.
type DICOMConnector struct{}

// NewDICOMConnector creates the connector.
func NewDICOMConnector() *DICOMConnector {
	return &DICOMConnector{}
}

// Type implements Connector.
func (c *DICOMConnector) Type() SourceType { return SourceDICOM }

// DICOM tags used by the mapper, as 8-hex-digit group+element keys.
const (
	tagPatientID        = "00100020"
	tagPatientName      = "00100010"
	tagStudyInstanceUID = "0020000D"
	tagStudyDate        = "00080020"
	tagModality         = "00080060"
	tagStudyDescription = "00081030"
	tagAccessionNumber  = "00080050"
	tagBodyPartExamined = "00180015"
)

// dicomAttr is one attribute in the DICOM JSON model.
type dicomAttr struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value"`
}

type dicomDataset map[string]dicomAttr

// str returns the first value of the tag as a string, "" when absent.
func (d dicomDataset) str(tag string) string {
	attr, ok := d[tag]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(attr.Value[0], &s); err == nil {
		return s
	}
	// PN values are objects with an Alphabetic component.
	var pn struct {
		Alphabetic string `json:"Alphabetic"`
	}
	if err := json.Unmarshal(attr.Value[0], &pn); err == nil {
		return pn.Alphabetic
	}
	return ""
}

// decodeDICOM accepts either a single dataset object or an array of datasets.
func decodeDICOM(payload []byte) ([]dicomDataset, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var many []dicomDataset
		if err := json.Unmarshal(payload, &many); err != nil {
			return nil, fmt.Errorf("dicom: invalid JSON: %w", err)
		}
		return many, nil
	}
	var one dicomDataset
	if err := json.Unmarshal(payload, &one); err != nil {
		return nil, fmt.Errorf("dicom: invalid JSON: %w", err)
	}
	return []dicomDataset{one}, nil
}

// Validate implements Connector.
func (c *DICOMConnector) Validate(payload []byte) []error {
	if _, err := decodeDICOM(payload); err != nil {
		return []error{err}
	}
	return nil
}

// Parse implements Connector.
func (c *DICOMConnector) Parse(payload []byte, opts Options) ParseResult {
	datasets, err := decodeDICOM(payload)
	if err != nil {
		return failure("%v", err)
	}

	res := ParseResult{Success: true, Metadata: map[string]string{"datasets": fmt.Sprintf("%d", len(datasets))}}

	for i, ds := range datasets {
		uid := ds.str(tagStudyInstanceUID)
		if uid == "" {
			res.addError("dicom: dataset %d missing study instance UID (0020,000D)", i)
			continue
		}

		props := map[string]any{
			"study_uid": uid,
			"modality":  ds.str(tagModality),
		}
		if v := ds.str(tagStudyDescription); v != "" {
			props["description"] = v
		}
		if v := ds.str(tagAccessionNumber); v != "" {
			props["accession"] = v
		}
		if v := ds.str(tagBodyPartExamined); v != "" {
			props["body_part"] = v
		}
		if v := ds.str(tagStudyDate); v != "" {
			props["study_date"] = isoDICOMDate(v)
		}

		studyID := entity.NaturalID(entity.LabelImagingStudy, uid)
		res.Vertices = append(res.Vertices, newVertex(entity.LabelImagingStudy, studyID, opts, props))

		mrn := ds.str(tagPatientID)
		if mrn == "" {
			res.addWarning("dicom: dataset %d has no patient id (0010,0020), study left unlinked", i)
			continue
		}
		patientProps := map[string]any{"mrn": mrn}
		if name := ds.str(tagPatientName); name != "" {
			// PN alphabetic form is Family^Given.
			parts := strings.SplitN(name, "^", 2)
			patientProps["family"] = parts[0]
			if len(parts) > 1 {
				patientProps["given"] = parts[1]
			}
		}
		patientID := entity.NaturalID(entity.LabelPatient, mrn)
		res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, patientID, opts, patientProps))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasImagingStudy,
			entity.LabelPatient, patientID, entity.LabelImagingStudy, studyID, opts))
	}
	return res
}

// isoDICOMDate converts a DA value (YYYYMMDD) to ISO form, passing through
// anything it does not recognize.
func isoDICOMDate(s string) string {
	if len(s) == 8 {
		return s[:4] + "-" + s[4:6] + "-" + s[6:8]
	}
	return s
}
