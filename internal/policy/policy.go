// Package policy implements purpose-based access control. Policies are
// evaluated in priority order (lower number wins); the first match decides,
// and no match means deny. Emergency access bypasses the policy set for reads
// and always leaves a CRITICAL audit trail.
package policy

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/platform/tenantctx"
)

// Effect of a matched policy.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Action verbs understood by the engine.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionExport = "export"
)

// AccessContext is one access attempt to be decided.
type AccessContext struct {
	Principal     tenantctx.Principal
	TenantID      string
	ResourceType  string
	ResourceID    string
	ResourceOwner string // tenant that owns the resource
	PatientID     string
	Action        string
	Purpose       tenantctx.Purpose
	PurposeDetail string
	IP            string
	Emergency     bool
}

// Policy is one declarative access rule. Empty Roles/Resources/Purposes/
// Actions slices match everything, mirroring a "*" entry.
type Policy struct {
	ID          string
	Description string
	Effect      Effect
	Priority    int // lower is stronger
	Roles       []string
	Resources   []string // exact, "*", "prefix*", "*suffix"
	Purposes    []tenantctx.Purpose
	Actions     []string
	SameTenant  bool
	RequireMFA  bool
	Condition   func(AccessContext) bool
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	PolicyID string `json:"policy_id,omitempty"`
	Reason   string `json:"reason"`
}

// Engine evaluates the policy set. Policies are sorted once at mutation.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	auditor  *audit.Service
	log      zerolog.Logger
}

// NewEngine creates an engine with the given policies.
func NewEngine(auditor *audit.Service, log zerolog.Logger, policies ...Policy) *Engine {
	e := &Engine{auditor: auditor, log: log}
	e.Replace(policies)
	return e
}

// Replace swaps the full policy set.
func (e *Engine) Replace(policies []Policy) {
	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e.mu.Lock()
	e.policies = sorted
	e.mu.Unlock()
}

// Evaluate decides the access attempt and writes the audit event for it.
func (e *Engine) Evaluate(ctx context.Context, ac AccessContext) Decision {
	dec := e.decide(ac)
	e.auditDecision(ctx, ac, dec)
	return dec
}

func (e *Engine) decide(ac AccessContext) Decision {
	// Break-glass: emergency purpose with the explicit emergency flag grants
	// read access regardless of the policy set.
	if ac.Purpose == tenantctx.PurposeEmergency && ac.Emergency {
		if ac.Action == ActionRead {
			return Decision{Allowed: true, PolicyID: "break-glass", Reason: "emergency access"}
		}
		return Decision{Reason: "emergency access grants read only"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.policies {
		if !e.matches(p, ac) {
			continue
		}
		if p.Effect == EffectAllow {
			return Decision{Allowed: true, PolicyID: p.ID, Reason: "matched allow policy"}
		}
		return Decision{PolicyID: p.ID, Reason: "matched deny policy"}
	}
	return Decision{Reason: "no policy matched"}
}

func (e *Engine) matches(p Policy, ac AccessContext) bool {
	if len(p.Roles) > 0 && !anyRole(p.Roles, ac.Principal) {
		return false
	}
	if len(p.Resources) > 0 && !anyResource(p.Resources, ac.ResourceType) {
		return false
	}
	if len(p.Purposes) > 0 && !anyPurpose(p.Purposes, ac.Purpose) {
		return false
	}
	if len(p.Actions) > 0 && !contains(p.Actions, ac.Action) {
		return false
	}
	if p.SameTenant && ac.ResourceOwner != "" && ac.ResourceOwner != ac.TenantID {
		return false
	}
	if p.RequireMFA && !ac.Principal.MFA {
		return false
	}
	if p.Condition != nil && !p.Condition(ac) {
		return false
	}
	return true
}

func (e *Engine) auditDecision(ctx context.Context, ac AccessContext, dec Decision) {
	if e.auditor == nil {
		return
	}

	entry := &audit.Entry{
		Category:     audit.CategoryAccess,
		Action:       ac.Action,
		ActorID:      ac.Principal.ID,
		ActorEmail:   ac.Principal.Email,
		TenantID:     ac.TenantID,
		ResourceType: ac.ResourceType,
		ResourceID:   ac.ResourceID,
		PatientID:    ac.PatientID,
		Purpose:      string(ac.Purpose),
		IP:           ac.IP,
		Outcome:      "allowed",
		Metadata:     map[string]string{"policy_id": dec.PolicyID},
	}
	if !dec.Allowed {
		entry.Category = audit.CategoryDenied
		entry.Outcome = "denied"
		entry.Metadata["reason"] = dec.Reason
	}
	if dec.PolicyID == "break-glass" {
		entry.Category = audit.CategoryBreakGlass
		entry.Severity = audit.SeverityCritical
		entry.Metadata["purpose_detail"] = ac.PurposeDetail
	}

	if err := e.auditor.Log(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("actor", ac.Principal.ID).Msg("policy: audit write failed")
	}
}

func anyRole(roles []string, p tenantctx.Principal) bool {
	for _, r := range roles {
		if r == "*" || p.HasRole(r) {
			return true
		}
	}
	return false
}

func anyResource(patterns []string, resourceType string) bool {
	for _, pat := range patterns {
		if matchGlob(pat, resourceType) {
			return true
		}
	}
	return false
}

// matchGlob supports "*", exact, "prefix*", and "*suffix" patterns.
func matchGlob(pattern, s string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(s, pattern[1:])
	default:
		return pattern == s
	}
}

func anyPurpose(purposes []tenantctx.Purpose, p tenantctx.Purpose) bool {
	for _, candidate := range purposes {
		if candidate == p {
			return true
		}
	}
	return false
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// DefaultPolicies is a baseline set: clinicians read and write clinical data
// for treatment, billing reads financial data for payment, admins manage
// everything in-tenant with MFA, and cross-tenant access is denied outright.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			ID:       "deny-cross-tenant",
			Effect:   EffectDeny,
			Priority: 0,
			Condition: func(ac AccessContext) bool {
				return ac.ResourceOwner != "" && ac.ResourceOwner != ac.TenantID
			},
		},
		{
			ID:         "admin-full",
			Effect:     EffectAllow,
			Priority:   10,
			Roles:      []string{"admin"},
			Resources:  []string{"*"},
			SameTenant: true,
			RequireMFA: true,
		},
		{
			ID:         "clinician-treatment",
			Effect:     EffectAllow,
			Priority:   20,
			Roles:      []string{"physician", "nurse"},
			Resources:  []string{"Patient", "Encounter", "Condition", "Observation", "MedicationRequest", "Procedure", "AllergyIntolerance", "ClinicalDocument", "ImagingStudy"},
			Purposes:   []tenantctx.Purpose{tenantctx.PurposeTreatment, tenantctx.PurposeQualityImprovement},
			Actions:    []string{ActionRead, ActionWrite},
			SameTenant: true,
		},
		{
			ID:         "billing-payment",
			Effect:     EffectAllow,
			Priority:   30,
			Roles:      []string{"billing"},
			Resources:  []string{"Claim*", "Denial", "Coverage", "Authorization"},
			Purposes:   []tenantctx.Purpose{tenantctx.PurposePayment, tenantctx.PurposeOperations},
			Actions:    []string{ActionRead, ActionWrite},
			SameTenant: true,
		},
		{
			ID:        "researcher-read",
			Effect:    EffectAllow,
			Priority:  40,
			Roles:     []string{"researcher"},
			Resources: []string{"*"},
			Purposes:  []tenantctx.Purpose{tenantctx.PurposeResearch},
			Actions:   []string{ActionRead},
			Condition: func(ac AccessContext) bool {
				// Research reads require an articulated purpose.
				return ac.PurposeDetail != ""
			},
		},
		{
			ID:       "auditor-read",
			Effect:   EffectAllow,
			Priority: 50,
			Roles:    []string{"auditor"},
			Purposes: []tenantctx.Purpose{tenantctx.PurposeAudit},
			Actions:  []string{ActionRead},
		},
	}
}
