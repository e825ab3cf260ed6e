package connector

import (
	"encoding/json"
	"fmt"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/platform/tenantctx"
)

// ConsentConnector ingests consent directives. A directive becomes a Consent
// vertex with one ConsentProvision vertex per provision; the consent engine
// evaluates provisions at access time, the connector only stores them.
type ConsentConnector struct{}

// NewConsentConnector creates the connector.
func NewConsentConnector() *ConsentConnector {
	return &ConsentConnector{}
}

// Type implements Connector.
func (c *ConsentConnector) Type() SourceType { return SourceConsent }

type consentDirective struct {
	ConsentID  string             `json:"consent_id"`
	PatientMRN string             `json:"patient_mrn"`
	Scope      string             `json:"scope"`  // e.g. "patient-privacy"
	Status     string             `json:"status"` // active/inactive/rejected
	DateTime   string             `json:"datetime"`
	Provisions []consentProvision `json:"provisions"`
}

type consentProvision struct {
	Type        string   `json:"type"` // permit or deny
	Purposes    []string `json:"purposes"`
	DataClasses []string `json:"data_classes"`
	Actors      []string `json:"actors"`
	PeriodStart string   `json:"period_start"`
	PeriodEnd   string   `json:"period_end"`
}

// Validate implements Connector.
func (c *ConsentConnector) Validate(payload []byte) []error {
	var d consentDirective
	if err := json.Unmarshal(payload, &d); err != nil {
		return []error{fmt.Errorf("consent: invalid JSON: %w", err)}
	}
	var errs []error
	if d.PatientMRN == "" {
		errs = append(errs, fmt.Errorf("consent: patient_mrn is required"))
	}
	if d.ConsentID == "" {
		errs = append(errs, fmt.Errorf("consent: consent_id is required"))
	}
	for i, p := range d.Provisions {
		if p.Type != "permit" && p.Type != "deny" {
			errs = append(errs, fmt.Errorf("consent: provision %d: type must be permit or deny, got %q", i, p.Type))
		}
		for _, purpose := range p.Purposes {
			if !tenantctx.ValidPurpose(tenantctx.Purpose(purpose)) {
				errs = append(errs, fmt.Errorf("consent: provision %d: unknown purpose %q", i, purpose))
			}
		}
	}
	return errs
}

// Parse implements Connector.
func (c *ConsentConnector) Parse(payload []byte, opts Options) ParseResult {
	var d consentDirective
	if err := json.Unmarshal(payload, &d); err != nil {
		return failure("consent: invalid JSON: %v", err)
	}
	if errs := c.Validate(payload); len(errs) > 0 {
		res := ParseResult{Success: false}
		for _, err := range errs {
			res.addError("%v", err)
		}
		return res
	}

	status := d.Status
	if status == "" {
		status = "active"
	}

	res := ParseResult{Success: true, Metadata: map[string]string{"consent_id": d.ConsentID}}

	patientID := entity.NaturalID(entity.LabelPatient, d.PatientMRN)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelPatient, patientID, opts,
		map[string]any{"mrn": d.PatientMRN}))

	consentID := entity.NaturalID(entity.LabelConsent, d.ConsentID)
	res.Vertices = append(res.Vertices, newVertex(entity.LabelConsent, consentID, opts, map[string]any{
		"scope":    d.Scope,
		"status":   status,
		"datetime": d.DateTime,
	}))
	res.Edges = append(res.Edges, newEdge(entity.EdgeHasConsent,
		entity.LabelPatient, patientID, entity.LabelConsent, consentID, opts))

	for i, p := range d.Provisions {
		props := map[string]any{"type": p.Type}
		if len(p.Purposes) > 0 {
			props["purposes"] = p.Purposes
		}
		if len(p.DataClasses) > 0 {
			props["data_classes"] = p.DataClasses
		}
		if len(p.Actors) > 0 {
			props["actors"] = p.Actors
		}
		if p.PeriodStart != "" {
			props["period_start"] = p.PeriodStart
		}
		if p.PeriodEnd != "" {
			props["period_end"] = p.PeriodEnd
		}

		id := fmt.Sprintf("%s/provision/%d", consentID, i+1)
		res.Vertices = append(res.Vertices, newVertex(entity.LabelProvision, id, opts, props))
		res.Edges = append(res.Edges, newEdge(entity.EdgeHasProvision,
			entity.LabelConsent, consentID, entity.LabelProvision, id, opts))
	}
	return res
}
