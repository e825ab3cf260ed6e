package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/platform/redact"
)

// statusForKind maps the error taxonomy onto HTTP status codes.
func statusForKind(k errs.Kind) int {
	switch k {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.PolicyDeny:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Integrity:
		return http.StatusConflict
	case errs.RateLimit:
		return http.StatusTooManyRequests
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorNameForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "policy_deny"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "integrity"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit"
	case http.StatusBadGateway:
		return "upstream"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// HTTPErrorHandler renders every error as {error, reason, request_id}. The
// reason passes through the PHI redactor before it leaves the process; 5xx
// reasons are replaced entirely so internals never leak.
func HTTPErrorHandler(redactor *redact.Redactor, log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		reason := "internal error"

		var he *echo.HTTPError
		var ke *errs.Error
		switch {
		case errors.As(err, &he):
			status = he.Code
			reason = fmt.Sprintf("%v", he.Message)
		case errors.As(err, &ke):
			status = statusForKind(ke.Kind)
			reason = ke.Reason
		}

		rid, _ := c.Get("request_id").(string)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")
			reason = "internal error"
		} else if redactor != nil {
			reason = redactor.Redact(reason, "[REDACTED]")
		}

		_ = c.JSON(status, map[string]any{
			"error":      errorNameForStatus(status),
			"reason":     reason,
			"request_id": rid,
		})
	}
}
