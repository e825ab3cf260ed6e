package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/platform/tenantctx"
)

// breakGlassRateLimit tracks per-user break-glass invocations in a rolling
// one-hour window.
type breakGlassRateLimit struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newBreakGlassRateLimit() *breakGlassRateLimit {
	return &breakGlassRateLimit{entries: make(map[string][]time.Time)}
}

// allow records the invocation when under the limit. The caller supplies the
// clock so tests stay deterministic.
func (rl *breakGlassRateLimit) allow(userID string, now time.Time, maxPerHour int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)
	existing := rl.entries[userID]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= maxPerHour {
		rl.entries[userID] = pruned
		return false
	}
	rl.entries[userID] = append(pruned, now)
	return true
}

func (rl *breakGlassRateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)
	for userID, timestamps := range rl.entries {
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(rl.entries, userID)
		} else {
			rl.entries[userID] = pruned
		}
	}
}

const (
	breakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

// BreakGlass implements the emergency access override. A request carrying a
// non-empty X-Break-Glass reason header has its purpose of use rewritten to
// emergency, with the reason preserved as purpose detail. The override
// requires an authenticated principal and is capped at 10 invocations per
// user per hour. It must run after the tenant context middleware; the audit
// middleware downstream records the entry as break_glass.
func BreakGlass(logger zerolog.Logger) echo.MiddlewareFunc {
	rl := newBreakGlassRateLimit()

	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for range ticker.C {
			rl.cleanup(time.Now())
		}
	}()

	return breakGlassMiddleware(logger, rl, time.Now)
}

func breakGlassMiddleware(logger zerolog.Logger, rl *breakGlassRateLimit, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			reason := strings.TrimSpace(req.Header.Get("X-Break-Glass"))
			if reason == "" {
				return next(c)
			}

			rc, ok := tenantctx.From(req.Context())
			if !ok || rc.Principal.ID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			now := nowFn()
			if !rl.allow(rc.Principal.ID, now, breakGlassMaxPerHour) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass rate limit exceeded: maximum 10 requests per user per hour")
			}

			rc.Purpose = tenantctx.PurposeEmergency
			rc.PurposeDetail = reason
			rc.Emergency = true
			c.SetRequest(req.WithContext(tenantctx.With(req.Context(), rc)))

			logger.Warn().
				Str("type", "break_glass").
				Str("user_id", rc.Principal.ID).
				Str("tenant_id", rc.TenantID).
				Str("reason", reason).
				Str("path", req.URL.Path).
				Str("method", req.Method).
				Str("remote_ip", c.RealIP()).
				Msg("break_glass_override")

			return next(c)
		}
	}
}
