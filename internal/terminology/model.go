// Package terminology provides standard code system lookup (LOINC, ICD-10-CM,
// SNOMED CT, RxNorm, CPT) and the expert-verified mapping knowledge base used
// by the normalization engine.
package terminology

import "time"

// CodeSystemURI constants for well-known terminology systems.
const (
	SystemLOINC  = "http://loinc.org"
	SystemICD10  = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemSNOMED = "http://snomed.info/sct"
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemCPT    = "http://www.ama-assn.org/go/cpt"
)

// Code is a single concept in a standard terminology.
type Code struct {
	Code      string `db:"code" json:"code"`
	Display   string `db:"display" json:"display"`
	SystemURI string `db:"system_uri" json:"system"`
	Category  string `db:"category" json:"category,omitempty"`
	Synonyms  []string `db:"synonyms" json:"synonyms,omitempty"`
}

// VerifiedMapping is an expert-confirmed translation of a local code into a
// standard terminology. Keyed by (SourceSystem, LocalCode); newer
// verifications overwrite and the overwrite is audited by the caller.
type VerifiedMapping struct {
	SourceSystem string    `db:"source_system" json:"source_system"`
	LocalCode    string    `db:"local_code" json:"local_code"`
	LocalDesc    string    `db:"local_desc" json:"local_desc,omitempty"`
	StdCode      string    `db:"std_code" json:"std_code"`
	StdSystem    string    `db:"std_system" json:"std_system"`
	StdDesc      string    `db:"std_desc" json:"std_desc"`
	Confidence   float64   `db:"confidence" json:"confidence"`
	VerifiedBy   string    `db:"verified_by" json:"verified_by"`
	VerifiedAt   time.Time `db:"verified_at" json:"verified_at"`
}

// LookupRequest asks whether a code exists in a system.
type LookupRequest struct {
	System string `json:"system"`
	Code   string `json:"code"`
}
