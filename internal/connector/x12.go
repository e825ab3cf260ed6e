package connector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-health/aegis/internal/entity"
)

// X12Connector parses healthcare EDI interchanges. The transaction set code
// in ST01 selects the handler: 837 claims, 835 remittances, 270 eligibility
// inquiries, 278 authorization responses.
type X12Connector struct{}

// NewX12Connector creates the connector.
func NewX12Connector() *X12Connector {
	return &X12Connector{}
}

// Type implements Connector.
func (c *X12Connector) Type() SourceType { return SourceX12 }

// x12Segment is one tokenized segment: ID plus positional elements.
type x12Segment struct {
	ID       string
	Elements []string
	compSep  string
}

// element returns the 1-based element, "" when absent.
func (s x12Segment) element(n int) string {
	if n < 1 || n > len(s.Elements) {
		return ""
	}
	return s.Elements[n-1]
}

// component splits a composite element on the component separator and
// returns the 1-based component.
func (s x12Segment) component(n, comp int) string {
	parts := strings.Split(s.element(n), s.compSep)
	if comp < 1 || comp > len(parts) {
		return ""
	}
	return parts[comp-1]
}

// tokenizeX12 detects the three separators from the fixed-width ISA segment
// (element separator at byte 3, component separator at byte 104, segment
// terminator at byte 105) and splits the interchange into segments.
func tokenizeX12(payload []byte) ([]x12Segment, error) {
	raw := strings.TrimSpace(string(payload))
	if len(raw) < 106 || !strings.HasPrefix(raw, "ISA") {
		return nil, fmt.Errorf("x12: interchange must start with a 106-byte ISA segment")
	}

	elemSep := string(raw[3])
	compSep := string(raw[104])
	segTerm := string(raw[105])

	var segments []x12Segment
	for _, chunk := range strings.Split(raw, segTerm) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.Split(chunk, elemSep)
		segments = append(segments, x12Segment{
			ID:       parts[0],
			Elements: parts[1:],
			compSep:  compSep,
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("x12: no segments found")
	}
	return segments, nil
}

// transactionSet returns the ST01 code, e.g. "837".
func transactionSet(segments []x12Segment) string {
	for _, s := range segments {
		if s.ID == "ST" {
			return s.element(1)
		}
	}
	return ""
}

// Validate implements Connector.
func (c *X12Connector) Validate(payload []byte) []error {
	segments, err := tokenizeX12(payload)
	if err != nil {
		return []error{err}
	}
	if ts := transactionSet(segments); ts == "" {
		return []error{fmt.Errorf("x12: missing ST segment")}
	}
	return nil
}

// Parse implements Connector.
func (c *X12Connector) Parse(payload []byte, opts Options) ParseResult {
	segments, err := tokenizeX12(payload)
	if err != nil {
		return failure("x12: %v", err)
	}

	ts := transactionSet(segments)
	res := ParseResult{Success: true, Metadata: map[string]string{"transaction_set": ts}}

	switch ts {
	case "837":
		c.parse837(&res, segments, opts)
	case "835":
		c.parse835(&res, segments, opts)
	case "270":
		c.parse270(&res, segments, opts)
	case "278":
		c.parse278(&res, segments, opts)
	case "":
		return failure("x12: missing ST segment")
	default:
		return failure("x12: unsupported transaction set %q", ts)
	}
	return res
}

// ---------------------------------------------------------------------------
// 837: professional/institutional claim
// ---------------------------------------------------------------------------

func (c *X12Connector) parse837(res *ParseResult, segments []x12Segment, opts Options) {
	patientID := x12SubscriberPatient(res, segments, opts)

	var claimVertexID string
	lineNo := 0

	for _, s := range segments {
		switch s.ID {
		case "CLM":
			claimID := s.element(1)
			if claimID == "" {
				res.addError("x12 837: CLM without claim id")
				claimVertexID = ""
				continue
			}
			billed, err := strconv.ParseFloat(s.element(2), 64)
			if err != nil {
				res.addError("x12 837: CLM %s: bad total charge %q", claimID, s.element(2))
				continue
			}
			lineNo = 0
			claimVertexID = entity.NaturalID(entity.LabelClaim, claimID)
			props := map[string]any{
				"billed": billed,
				"type":   "professional",
				"status": "submitted",
			}
			res.Vertices = append(res.Vertices, newVertex(entity.LabelClaim, claimVertexID, opts, props))
			if patientID != "" {
				res.Edges = append(res.Edges, newEdge(entity.EdgeHasClaim,
					entity.LabelPatient, patientID, entity.LabelClaim, claimVertexID, opts))
			}

		case "SV1":
			if claimVertexID == "" {
				res.addError("x12 837: SV1 before any CLM")
				continue
			}
			lineNo++
			procCode := s.component(1, 2) // composite HC:code:mod1:mod2
			charge, _ := strconv.ParseFloat(s.element(2), 64)
			units, _ := strconv.ParseFloat(s.element(4), 64)

			var modifiers []string
			for comp := 3; comp <= 6; comp++ {
				if m := s.component(1, comp); m != "" {
					modifiers = append(modifiers, m)
				}
			}

			id := fmt.Sprintf("%s/line/%d", claimVertexID, lineNo)
			props := map[string]any{
				"line_no":        lineNo,
				"procedure_code": procCode,
				"charge":         charge,
				"units":          units,
			}
			if len(modifiers) > 0 {
				props["modifiers"] = modifiers
			}
			res.Vertices = append(res.Vertices, newVertex(entity.LabelClaimLine, id, opts, props))
			res.Edges = append(res.Edges, newEdge(entity.EdgeHasLine,
				entity.LabelClaim, claimVertexID, entity.LabelClaimLine, id, opts))

		case "HI":
			if claimVertexID == "" || patientID == "" {
				continue
			}
			for n := 1; n <= len(s.Elements); n++ {
				qual := s.component(n, 1)
				code := s.component(n, 2)
				if code == "" {
					continue
				}
				// ABK/BK principal, ABF/BF other diagnoses.
				if qual != "ABK" && qual != "BK" && qual != "ABF" && qual != "BF" {
					continue
				}
				id := entity.ContentID(entity.LabelCondition, map[string]any{"patient": patientID, "code": code})
				props := map[string]any{
					"code":            code,
					"code_system":     "http://hl7.org/fhir/sid/icd-10-cm",
					"clinical_status": "active",
				}
				res.Vertices = append(res.Vertices, newVertex(entity.LabelCondition, id, opts, props))
				res.Edges = append(res.Edges, newEdge(entity.EdgeHasCondition,
					entity.LabelPatient, patientID, entity.LabelCondition, id, opts))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// 835: remittance advice
// ---------------------------------------------------------------------------

func (c *X12Connector) parse835(res *ParseResult, segments []x12Segment, opts Options) {
	var claimVertexID string

	for _, s := range segments {
		switch s.ID {
		case "CLP":
			claimID := s.element(1)
			if claimID == "" {
				res.addError("x12 835: CLP without claim id")
				claimVertexID = ""
				continue
			}
			billed, _ := strconv.ParseFloat(s.element(3), 64)
			paid, _ := strconv.ParseFloat(s.element(4), 64)
			patientResp, _ := strconv.ParseFloat(s.element(5), 64)

			claimVertexID = entity.NaturalID(entity.LabelClaim, claimID)
			props := map[string]any{
				"billed":       billed,
				"paid":         paid,
				"patient_resp": patientResp,
				"status":       clpStatus(s.element(2)),
			}
			res.Vertices = append(res.Vertices, newVertex(entity.LabelClaim, claimVertexID, opts, props))

		case "CAS":
			if claimVertexID == "" {
				res.addError("x12 835: CAS before any CLP")
				continue
			}
			group := s.element(1)
			reason := s.element(2)
			amount, _ := strconv.ParseFloat(s.element(3), 64)
			if reason == "" {
				continue
			}

			id := entity.ContentID(entity.LabelDenial, map[string]any{"claim": claimVertexID, "carc": reason})
			props := map[string]any{
				"code":          reason,
				"code_type":     "CARC",
				"group":         group,
				"category":      string(denialCategoryFromCARC(reason)),
				"denied_amount": amount,
				"status":        "open",
				"denial_ts":     time.Now().UTC().Format(time.RFC3339),
			}
			res.Vertices = append(res.Vertices, newVertex(entity.LabelDenial, id, opts, props))
			res.Edges = append(res.Edges, newEdge(entity.EdgeHasDenial,
				entity.LabelClaim, claimVertexID, entity.LabelDenial, id, opts))
		}
	}
}

func clpStatus(code string) string {
	switch code {
	case "1":
		return "paid"
	case "2":
		return "paid_secondary"
	case "3":
		return "paid_tertiary"
	case "4":
		return "denied"
	case "22":
		return "reversed"
	default:
		return "processed"
	}
}

// denialCategoryFromCARC buckets common claim adjustment reason codes.
func denialCategoryFromCARC(code string) entity.DenialCategory {
	switch code {
	case "26", "27", "31", "33":
		return entity.DenialEligibility
	case "197", "198", "62":
		return entity.DenialAuth
	case "50", "55", "56":
		return entity.DenialMedNec
	case "4", "11", "146", "181", "182":
		return entity.DenialCoding
	case "29":
		return entity.DenialTimely
	case "18":
		return entity.DenialDuplicate
	case "97", "234", "236":
		return entity.DenialBundle
	case "16", "226", "227":
		return entity.DenialDocs
	case "45", "59":
		return entity.DenialContract
	default:
		return entity.DenialOther
	}
}

// ---------------------------------------------------------------------------
// 270: eligibility inquiry
// ---------------------------------------------------------------------------

func (c *X12Connector) parse270(res *ParseResult, segments []x12Segment, opts Options) {
	patientID := x12SubscriberPatient(res, segments, opts)
	if patientID == "" {
		return
	}

	payerID := ""
	memberID := ""
	for _, s := range segments {
		if s.ID != "NM1" {
			continue
		}
		switch s.element(1) {
		case "PR":
			payerID = s.element(9)
		case "IL":
			memberID = s.element(9)
		}
	}
	if payerID == "" && memberID == "" {
		res.addWarning("x12 270: inquiry without payer or member identifiers")
		return
	}

	id := entity.ContentID(entity.LabelCoverage, map[string]any{"patient": patientID, "payer": payerID})
	props := map[string]any{
		"payer_id":  payerID,
		"member_id": memberID,
		"type":      "inquiry",
	}
	res.Vertices = append(res.Vertices, newVertex(entity.LabelCoverage, id, opts, props))
	res.Edges = append(res.Edges, newEdge(entity.EdgeHasCoverage,
		entity.LabelPatient, patientID, entity.LabelCoverage, id, opts))
}

// ---------------------------------------------------------------------------
// 278: authorization response
// ---------------------------------------------------------------------------

// hcrStatus maps the HCR01 action code to an authorization status.
func hcrStatus(action string) (string, bool) {
	switch action {
	case "A1", "A2":
		return "approved", true
	case "A3":
		return "denied", true
	case "A4":
		return "pending", true
	case "A6":
		return "cancelled", true
	default:
		return "", false
	}
}

func (c *X12Connector) parse278(res *ParseResult, segments []x12Segment, opts Options) {
	patientID := x12SubscriberPatient(res, segments, opts)

	var serviceCodes []string
	for _, s := range segments {
		if s.ID == "SV1" || s.ID == "SV2" {
			if code := s.component(1, 2); code != "" {
				serviceCodes = append(serviceCodes, code)
			}
		}
	}

	for _, s := range segments {
		if s.ID != "HCR" {
			continue
		}
		status, known := hcrStatus(s.element(1))
		if !known {
			res.addError("x12 278: unknown HCR action code %q", s.element(1))
			continue
		}
		number := s.element(2)
		if number == "" {
			res.addError("x12 278: HCR without authorization number")
			continue
		}

		id := entity.NaturalID(entity.LabelAuthorization, number)
		props := map[string]any{
			"number": number,
			"status": status,
		}
		if len(serviceCodes) > 0 {
			props["service_codes"] = serviceCodes
		}
		res.Vertices = append(res.Vertices, newVertex(entity.LabelAuthorization, id, opts, props))
		if patientID != "" {
			res.Edges = append(res.Edges, newEdge(entity.EdgeHasAuthorization,
				entity.LabelPatient, patientID, entity.LabelAuthorization, id, opts))
		}
	}
}

// x12SubscriberPatient emits a Patient vertex from the NM1*IL subscriber loop
// and returns its vertex id, or "" when no subscriber is present.
func x12SubscriberPatient(res *ParseResult, segments []x12Segment, opts Options) string {
	for _, s := range segments {
		if s.ID != "NM1" || s.element(1) != "IL" {
			continue
		}
		memberID := s.element(9)
		if memberID == "" {
			res.addWarning("x12: subscriber NM1*IL without member identifier")
			return ""
		}
		props := map[string]any{
			"mrn":    memberID,
			"family": s.element(3),
			"given":  s.element(4),
		}
		id := entity.NaturalID(entity.LabelPatient, memberID)
		res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, id, opts, props))
		return id
	}
	return ""
}
