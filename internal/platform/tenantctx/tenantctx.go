// Package tenantctx carries the per-request tenant, principal, and purpose
// through context.Context. Every repository and service call on the hot path
// requires this value; there are no ambient globals.
package tenantctx

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Purpose is a declared purpose of use accompanying every data access.
type Purpose string

const (
	PurposeTreatment          Purpose = "treatment"
	PurposePayment            Purpose = "payment"
	PurposeOperations         Purpose = "operations"
	PurposeResearch           Purpose = "research"
	PurposePublicHealth       Purpose = "public_health"
	PurposeQualityImprovement Purpose = "quality_improvement"
	PurposeAudit              Purpose = "audit"
	PurposeEmergency          Purpose = "emergency"
)

var validPurposes = map[Purpose]bool{
	PurposeTreatment:          true,
	PurposePayment:            true,
	PurposeOperations:         true,
	PurposeResearch:           true,
	PurposePublicHealth:       true,
	PurposeQualityImprovement: true,
	PurposeAudit:              true,
	PurposeEmergency:          true,
}

// ValidPurpose reports whether p is one of the recognized purposes of use.
func ValidPurpose(p Purpose) bool { return validPurposes[p] }

// Principal identifies the authenticated caller.
type Principal struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
	MFA      bool     `json:"mfa"`
	TenantID string   `json:"tenant_id"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequestContext is the ambient per-request value propagated across task
// boundaries. PurposeDetail and Emergency support break-glass flows.
type RequestContext struct {
	TenantID      string
	Principal     Principal
	Purpose       Purpose
	PurposeDetail string
	RequestID     string
	IP            string
	Emergency     bool
}

type ctxKey struct{}

// With returns a child context carrying rc.
func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the RequestContext; ok is false when none was set.
func From(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}

// TenantID returns the tenant from ctx, or "" when unset.
func TenantID(ctx context.Context) string {
	rc, _ := From(ctx)
	return rc.TenantID
}

// Middleware extracts tenant, purpose, and principal from the request and
// stores a RequestContext on the request's context. The purpose header is
// mandatory on data-access routes; an unknown purpose is rejected with 400.
func Middleware(defaultTenant string, requirePurpose bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			purpose := Purpose(req.Header.Get("X-Purpose"))
			if purpose == "" && !requirePurpose {
				purpose = PurposeOperations
			}
			if !ValidPurpose(purpose) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid or missing X-Purpose header")
			}

			principal := principalFromRequest(c)

			tenantID := req.Header.Get("X-Tenant-ID")
			if tenantID == "" {
				tenantID = principal.TenantID
			}
			if tenantID == "" {
				tenantID = defaultTenant
			}

			rc := RequestContext{
				TenantID:  tenantID,
				Principal: principal,
				Purpose:   purpose,
				RequestID: requestID(c),
				IP:        c.RealIP(),
				Emergency: purpose == PurposeEmergency,
			}

			ctx := With(req.Context(), rc)
			c.SetRequest(req.WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	if id := c.Request().Header.Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// principalFromRequest parses the bearer token claims without verification;
// signature validation is the identity collaborator's responsibility and
// happens at the edge. Claims of interest: sub, email, roles, mfa, tenant_id.
func principalFromRequest(c echo.Context) Principal {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(auth) <= len(prefix) {
		return Principal{}
	}
	raw := auth[len(prefix):]

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return Principal{}
	}

	p := Principal{}
	if sub, ok := claims["sub"].(string); ok {
		p.ID = sub
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	if tid, ok := claims["tenant_id"].(string); ok {
		p.TenantID = tid
	}
	if mfa, ok := claims["mfa"].(bool); ok {
		p.MFA = mfa
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	}
	return p
}
