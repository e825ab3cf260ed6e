package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/platform/tenantctx"
)

// Audit records every data-access request on /api/v1/* into the hash-chained
// audit log. The handler runs first so the outcome and status are captured;
// a failed chain write is logged but never fails the request.
func Audit(svc *audit.Service, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			rc, _ := tenantctx.From(req.Context())
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			entry := &audit.Entry{
				Category:     audit.CategoryAccess,
				Action:       httpMethodToAction(req.Method),
				ActorID:      rc.Principal.ID,
				ActorEmail:   rc.Principal.Email,
				TenantID:     rc.TenantID,
				ResourceType: extractResourceType(path),
				PatientID:    extractPatientID(c),
				Purpose:      string(rc.Purpose),
				Outcome:      outcomeForStatus(status),
				IP:           rc.IP,
				Metadata: map[string]string{
					"method":     req.Method,
					"path":       path,
					"request_id": rc.RequestID,
				},
			}
			switch {
			case rc.Emergency:
				entry.Category = audit.CategoryBreakGlass
				entry.Metadata["reason"] = rc.PurposeDetail
			case status == http.StatusForbidden:
				entry.Category = audit.CategoryDenied
			case entry.Action != "read":
				entry.Category = audit.CategoryModify
			}

			if logErr := svc.Log(req.Context(), entry); logErr != nil {
				logger.Error().Err(logErr).
					Str("request_id", rc.RequestID).
					Msg("audit chain write failed")
			}
			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func outcomeForStatus(status int) string {
	if status >= 200 && status < 400 {
		return "success"
	}
	if status == http.StatusForbidden {
		return "denied"
	}
	return "failure"
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResourceType returns the first path segment after the API prefix,
// e.g. /api/v1/patients/p1/360 reports "patients".
func extractResourceType(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

// extractPatientID finds a patient identifier in /api/v1/patients/<id>/...
// paths or a ?patient=<id> query parameter.
func extractPatientID(c echo.Context) string {
	path := c.Request().URL.Path
	if strings.HasPrefix(path, "/api/v1/patients/") {
		segments := strings.Split(strings.TrimPrefix(path, "/api/v1/patients/"), "/")
		if len(segments) > 0 && segments[0] != "" {
			return segments[0]
		}
	}
	return c.QueryParam("patient")
}
