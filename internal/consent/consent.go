// Package consent evaluates patient consent directives at access time.
// Deny provisions always win; an active consent without provisions is a
// blanket permit within its scope.
package consent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/platform/tenantctx"
)

// Provision types.
const (
	ProvisionPermit = "permit"
	ProvisionDeny   = "deny"
)

// Consent is one directive on file for a patient.
type Consent struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	PatientID string             `json:"patient_id"`
	Scope     tenantctx.Purpose  `json:"scope"`
	Status    string             `json:"status"` // active/inactive/rejected
	GrantedAt time.Time          `json:"granted_at"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Provisions []Provision       `json:"provisions,omitempty"`
}

// Provision narrows or blocks a consent. Empty selector slices match
// everything in their dimension.
type Provision struct {
	Type        string              `json:"type"` // permit or deny
	Actions     []string            `json:"actions,omitempty"`
	Purposes    []tenantctx.Purpose `json:"purposes,omitempty"`
	DataClasses []string            `json:"data_classes,omitempty"`
	Actors      []string            `json:"actors,omitempty"` // role names
	PeriodStart *time.Time          `json:"period_start,omitempty"`
	PeriodEnd   *time.Time          `json:"period_end,omitempty"`
}

// Query is one access attempt to check consent for.
type Query struct {
	TenantID       string
	PatientID      string
	Action         string
	Purpose        tenantctx.Purpose
	ActorRole      string
	DataCategories []string
	At             time.Time // zero means now
}

// Decision is the consent verdict.
type Decision struct {
	Allowed           bool     `json:"allowed"`
	ConsentID         string   `json:"consent_id,omitempty"`
	Reason            string   `json:"reason"`
	ProvisionsApplied int      `json:"provisions_applied"`
	Restrictions      []string `json:"restrictions,omitempty"`
}

// Store retrieves consents for a patient.
type Store interface {
	ListByPatient(ctx context.Context, tenantID, patientID string) ([]*Consent, error)
	Put(ctx context.Context, c *Consent) error
}

// Engine evaluates consent queries against the store.
type Engine struct {
	store   Store
	auditor *audit.Service
	log     zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(store Store, auditor *audit.Service, log zerolog.Logger) *Engine {
	return &Engine{store: store, auditor: auditor, log: log}
}

// Check decides the query and records a consent_check audit event.
func (e *Engine) Check(ctx context.Context, q Query) (Decision, error) {
	if q.PatientID == "" {
		return Decision{}, errs.New(errs.Validation, "consent: patient id is required")
	}
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}

	all, err := e.store.ListByPatient(ctx, q.TenantID, q.PatientID)
	if err != nil {
		return Decision{}, errs.Wrap(errs.Internal, err, "consent: load directives")
	}

	dec := e.decide(q, all)
	e.auditCheck(ctx, q, dec)
	return dec, nil
}

func (e *Engine) decide(q Query, all []*Consent) Decision {
	active := filterActive(all, q.At)
	if len(active) == 0 {
		return Decision{Reason: "no active consent on file"}
	}

	// Scope filter with TREATMENT fallback.
	scoped := filterScope(active, q.Purpose)
	if len(scoped) == 0 && q.Purpose != tenantctx.PurposeTreatment {
		scoped = filterScope(active, tenantctx.PurposeTreatment)
	}
	if len(scoped) == 0 {
		return Decision{Reason: "no consent scoped to purpose"}
	}

	var (
		permitted    *Consent
		applied      int
		restrictions []string
	)
	for _, c := range scoped {
		if len(c.Provisions) == 0 {
			// Provisionless active consent is a default permit in scope.
			if permitted == nil {
				permitted = c
			}
			continue
		}
		for i := range c.Provisions {
			p := &c.Provisions[i]
			if !provisionMatches(p, q) {
				continue
			}
			applied++
			if p.Type == ProvisionDeny {
				return Decision{
					ConsentID:         c.ID,
					Reason:            "matched deny provision",
					ProvisionsApplied: applied,
				}
			}
			permitted = c
			if len(p.DataClasses) > 0 {
				restrictions = append(restrictions, p.DataClasses...)
			}
		}
	}

	if permitted == nil {
		return Decision{Reason: "no permit provision matched", ProvisionsApplied: applied}
	}
	return Decision{
		Allowed:           true,
		ConsentID:         permitted.ID,
		Reason:            "consent permits access",
		ProvisionsApplied: applied,
		Restrictions:      restrictions,
	}
}

func filterActive(all []*Consent, at time.Time) []*Consent {
	var out []*Consent
	for _, c := range all {
		if c.Status != "active" {
			continue
		}
		if c.ExpiresAt != nil && !c.ExpiresAt.After(at) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func filterScope(cs []*Consent, scope tenantctx.Purpose) []*Consent {
	var out []*Consent
	for _, c := range cs {
		if c.Scope == scope {
			out = append(out, c)
		}
	}
	return out
}

func provisionMatches(p *Provision, q Query) bool {
	if len(p.Actions) > 0 && !containsStr(p.Actions, q.Action) {
		return false
	}
	if len(p.Purposes) > 0 && !containsPurpose(p.Purposes, q.Purpose) {
		return false
	}
	if len(p.Actors) > 0 && !containsStr(p.Actors, q.ActorRole) {
		return false
	}
	if len(p.DataClasses) > 0 && !intersects(p.DataClasses, q.DataCategories) {
		return false
	}
	if p.PeriodStart != nil && q.At.Before(*p.PeriodStart) {
		return false
	}
	if p.PeriodEnd != nil && q.At.After(*p.PeriodEnd) {
		return false
	}
	return true
}

func (e *Engine) auditCheck(ctx context.Context, q Query, dec Decision) {
	if e.auditor == nil {
		return
	}
	outcome := "denied"
	if dec.Allowed {
		outcome = "allowed"
	}
	entry := &audit.Entry{
		Category:  audit.CategoryConsentCheck,
		Action:    q.Action,
		TenantID:  q.TenantID,
		PatientID: q.PatientID,
		Purpose:   string(q.Purpose),
		Outcome:   outcome,
		Metadata: map[string]string{
			"consent_id": dec.ConsentID,
			"reason":     dec.Reason,
		},
	}
	if err := e.auditor.Log(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("patient", q.PatientID).Msg("consent: audit write failed")
	}
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsPurpose(xs []tenantctx.Purpose, x tenantctx.Purpose) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
