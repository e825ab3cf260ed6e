// Package entity defines the unified healthcare entity and edge model that
// every connector normalizes into. Vertices and edges are tenant-tagged and
// serialize to flat property maps for the graph driver.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Vertex labels.
const (
	LabelPatient          = "Patient"
	LabelEncounter        = "Encounter"
	LabelCondition        = "Condition"
	LabelObservation      = "Observation"
	LabelMedication       = "MedicationRequest"
	LabelProcedure        = "Procedure"
	LabelClaim            = "Claim"
	LabelClaimLine        = "ClaimLine"
	LabelDenial           = "Denial"
	LabelCoverage         = "Coverage"
	LabelAuthorization    = "Authorization"
	LabelConsent          = "Consent"
	LabelProvision        = "ConsentProvision"
	LabelClinicalDocument = "ClinicalDocument"
	LabelImagingStudy     = "ImagingStudy"
	LabelAllergy          = "AllergyIntolerance"
	LabelRiskScore        = "RiskScore"
	LabelCareGap          = "CareGap"
	LabelRecommendation   = "AIRecommendation"
	LabelReasoningPath    = "ReasoningPath"
)

// Edge labels.
const (
	EdgeHasEncounter       = "HAS_ENCOUNTER"
	EdgeHasCondition       = "HAS_CONDITION"
	EdgeHasObservation     = "HAS_OBSERVATION"
	EdgeHasMedication      = "HAS_MEDICATION"
	EdgeHasProcedure       = "HAS_PROCEDURE"
	EdgeHasClaim           = "HAS_CLAIM"
	EdgeHasLine            = "HAS_LINE"
	EdgeHasDenial          = "HAS_DENIAL"
	EdgeHasCoverage        = "HAS_COVERAGE"
	EdgeHasConsent         = "HAS_CONSENT"
	EdgeHasProvision       = "HAS_PROVISION"
	EdgeHasAuthorization   = "HAS_AUTHORIZATION"
	EdgeHasImagingStudy    = "HAS_IMAGING_STUDY"
	EdgeHasCareGap         = "HAS_CARE_GAP"
	EdgeHasRiskScore       = "HAS_RISK_SCORE"
	EdgeDocumentsCondition = "DOCUMENTS_CONDITION"
	EdgeDocumentsMed       = "DOCUMENTS_MEDICATION"
	EdgeDocumentsAllergy   = "DOCUMENTS_ALLERGY"
	EdgeHasEvidence        = "HAS_EVIDENCE"
)

// Vertex is a tenant-tagged graph vertex with a natural-key id of the form
// "Label/natural-id". Props hold the flattened entity attributes.
type Vertex struct {
	Label        string         `json:"label"`
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	SourceSystem string         `json:"source_system"`
	CreatedAt    time.Time      `json:"created_at"`
	Props        map[string]any `json:"props"`
}

// Edge is a directed, typed, tenant-tagged relation between two vertices.
type Edge struct {
	Label     string         `json:"label"`
	FromLabel string         `json:"from_label"`
	FromID    string         `json:"from_id"`
	ToLabel   string         `json:"to_label"`
	ToID      string         `json:"to_id"`
	TenantID  string         `json:"tenant_id"`
	Props     map[string]any `json:"props,omitempty"`
}

// Key returns the natural dedup key for the edge.
func (e Edge) Key() string {
	return fmt.Sprintf("%s|%s|%s", e.Label, e.FromID, e.ToID)
}

// NaturalID builds a "Label/id" vertex identifier from a natural key.
func NaturalID(label, id string) string {
	return fmt.Sprintf("%s/%s", label, id)
}

// ContentID derives a stable vertex identifier from record content when no
// natural key exists. The id is the truncated SHA-256 of the sorted
// key=value pairs, prefixed with "h:" so natural and derived ids never collide.
func ContentID(label string, props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v\n", k, props[k])
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s/h:%s", label, sum[:12])
}

// DenialCategory classifies a claim denial by root cause.
type DenialCategory string

const (
	DenialEligibility DenialCategory = "eligibility"
	DenialAuth        DenialCategory = "auth"
	DenialMedNec      DenialCategory = "medNec"
	DenialCoding      DenialCategory = "coding"
	DenialTimely      DenialCategory = "timely"
	DenialDuplicate   DenialCategory = "dup"
	DenialBundle      DenialCategory = "bundle"
	DenialDocs        DenialCategory = "docs"
	DenialContract    DenialCategory = "contract"
	DenialOther       DenialCategory = "other"
)

// Patient is the demographic root entity.
type Patient struct {
	ID        string     `db:"id" json:"id"`
	TenantID  string     `db:"tenant_id" json:"tenant_id"`
	MRN       string     `db:"mrn" json:"mrn"`
	Family    string     `db:"family_name" json:"family"`
	Given     string     `db:"given_name" json:"given"`
	BirthDate string     `db:"birth_date" json:"birth_date"`
	Gender    string     `db:"gender" json:"gender"`
	Deceased  bool       `db:"deceased" json:"deceased"`
	Address   string     `db:"address" json:"address,omitempty"`
	Contact   string     `db:"contact" json:"contact,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Encounter is a patient visit.
type Encounter struct {
	ID          string     `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	PatientID   string     `db:"patient_id" json:"patient_id"`
	Class       string     `db:"class" json:"class"` // inpatient/outpatient/emergency
	Status      string     `db:"status" json:"status"`
	PeriodStart *time.Time `db:"period_start" json:"period_start,omitempty"`
	PeriodEnd   *time.Time `db:"period_end" json:"period_end,omitempty"`
	LocationRef string     `db:"location_ref" json:"location_ref,omitempty"`
	ProviderRef string     `db:"provider_ref" json:"provider_ref,omitempty"`
	Reason      string     `db:"reason" json:"reason,omitempty"`
}

// Condition is a diagnosis or problem-list entry.
type Condition struct {
	ID             string     `db:"id" json:"id"`
	TenantID       string     `db:"tenant_id" json:"tenant_id"`
	PatientID      string     `db:"patient_id" json:"patient_id"`
	Code           string     `db:"code" json:"code"`
	CodeSystem     string     `db:"code_system" json:"code_system"`
	Display        string     `db:"display" json:"display,omitempty"`
	ClinicalStatus string     `db:"clinical_status" json:"clinical_status"`
	OnsetTS        *time.Time `db:"onset_ts" json:"onset_ts,omitempty"`
	EncounterID    string     `db:"encounter_id" json:"encounter_id,omitempty"`
}

// Observation is a measurement or lab result.
type Observation struct {
	ID           string     `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	PatientID    string     `db:"patient_id" json:"patient_id"`
	Code         string     `db:"code" json:"code"`
	ValueNum     *float64   `db:"value_num" json:"value_num,omitempty"`
	ValueStr     string     `db:"value_str" json:"value_str,omitempty"`
	Unit         string     `db:"unit" json:"unit,omitempty"`
	RefRange     string     `db:"ref_range" json:"ref_range,omitempty"`
	EffectiveTS  *time.Time `db:"effective_ts" json:"effective_ts,omitempty"`
	Category     string     `db:"category" json:"category,omitempty"`
	EncounterID  string     `db:"encounter_id" json:"encounter_id,omitempty"`
	SourceSystem string     `db:"source_system" json:"source_system,omitempty"`
}

// MedicationRequest is an active or historical medication order.
type MedicationRequest struct {
	ID        string     `db:"id" json:"id"`
	TenantID  string     `db:"tenant_id" json:"tenant_id"`
	PatientID string     `db:"patient_id" json:"patient_id"`
	Code      string     `db:"code" json:"code"`
	Display   string     `db:"display" json:"display,omitempty"`
	Dosage    string     `db:"dosage" json:"dosage,omitempty"`
	Route     string     `db:"route" json:"route,omitempty"`
	Frequency string     `db:"frequency" json:"frequency,omitempty"`
	Status    string     `db:"status" json:"status"`
	StartTS   *time.Time `db:"start_ts" json:"start_ts,omitempty"`
	EndTS     *time.Time `db:"end_ts" json:"end_ts,omitempty"`
}

// Claim is a billing claim (professional or institutional).
type Claim struct {
	ID           string     `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	PatientID    string     `db:"patient_id" json:"patient_id"`
	EncounterID  string     `db:"encounter_id" json:"encounter_id,omitempty"`
	PayerID      string     `db:"payer_id" json:"payer_id,omitempty"`
	Type         string     `db:"type" json:"type"`
	Status       string     `db:"status" json:"status"`
	ServiceStart *time.Time `db:"service_start" json:"service_start,omitempty"`
	ServiceEnd   *time.Time `db:"service_end" json:"service_end,omitempty"`
	Billed       float64    `db:"billed" json:"billed"`
	Allowed      float64    `db:"allowed" json:"allowed"`
	Paid         float64    `db:"paid" json:"paid"`
	PatientResp  float64    `db:"patient_resp" json:"patient_resp"`
}

// ClaimLine is a single service line on a claim.
type ClaimLine struct {
	ClaimID       string   `db:"claim_id" json:"claim_id"`
	LineNo        int      `db:"line_no" json:"line_no"`
	ProcedureCode string   `db:"procedure_code" json:"procedure_code"`
	Modifiers     []string `db:"modifiers" json:"modifiers,omitempty"`
	Units         float64  `db:"units" json:"units"`
	ServiceDate   string   `db:"service_date" json:"service_date,omitempty"`
	Charge        float64  `db:"charge" json:"charge"`
	Allowed       float64  `db:"allowed" json:"allowed"`
	Paid          float64  `db:"paid" json:"paid"`
}

// Denial is an adjudication denial attached to exactly one claim.
type Denial struct {
	ClaimID        string         `db:"claim_id" json:"claim_id"`
	Code           string         `db:"code" json:"code"`
	CodeType       string         `db:"code_type" json:"code_type"` // CARC or RARC
	Category       DenialCategory `db:"category" json:"category"`
	DeniedAmount   float64        `db:"denied_amount" json:"denied_amount"`
	DenialTS       *time.Time     `db:"denial_ts" json:"denial_ts,omitempty"`
	AppealDeadline *time.Time     `db:"appeal_deadline" json:"appeal_deadline,omitempty"`
	Status         string         `db:"status" json:"status"`
}

// Coverage links a patient to a payer plan.
type Coverage struct {
	PatientID   string     `db:"patient_id" json:"patient_id"`
	PayerID     string     `db:"payer_id" json:"payer_id"`
	MemberID    string     `db:"member_id" json:"member_id"`
	Type        string     `db:"type" json:"type"`
	Effective   *time.Time `db:"effective" json:"effective,omitempty"`
	Termination *time.Time `db:"termination" json:"termination,omitempty"`
}

// Authorization is a prior-authorization outcome for planned services.
type Authorization struct {
	PatientID      string     `db:"patient_id" json:"patient_id"`
	Number         string     `db:"number" json:"number"`
	ServiceCodes   []string   `db:"service_codes" json:"service_codes"`
	Status         string     `db:"status" json:"status"` // approved/denied/pending/cancelled
	EffectiveStart *time.Time `db:"effective_start" json:"effective_start,omitempty"`
	EffectiveEnd   *time.Time `db:"effective_end" json:"effective_end,omitempty"`
}

// RiskScore is an agent-produced risk assessment linked to its evidence.
type RiskScore struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	PatientID   string    `json:"patient_id"`
	Model       string    `json:"model"`
	Score       float64   `json:"score"`
	Category    string    `json:"category"`
	EvidenceIDs []string  `json:"evidence_ids,omitempty"`
	ComputedAt  time.Time `json:"computed_at"`
}

// CareGap is a missed preventive or chronic-care action against a measure.
type CareGap struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	PatientID string     `json:"patient_id"`
	MeasureID string     `json:"measure_id"`
	Status    string     `json:"status"`
	DueDate   *time.Time `json:"due_date,omitempty"`
}

// AIRecommendation is an agent output that cites supporting evidence.
type AIRecommendation struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	PatientID   string    `json:"patient_id"`
	Summary     string    `json:"summary"`
	Confidence  float64   `json:"confidence"`
	ReasoningID string    `json:"reasoning_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReasoningPath records the evidence chain behind an AI recommendation.
// Evidence is referenced by stable vertex id; back-pointers are never embedded.
type ReasoningPath struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	Steps       []string `json:"steps"`
	EvidenceIDs []string `json:"evidence_ids"`
}
