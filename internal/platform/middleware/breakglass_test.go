package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/platform/tenantctx"
)

func newBreakGlassContext(t *testing.T, reason string, rc tenantctx.RequestContext) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/p1/360", nil)
	if reason != "" {
		req.Header.Set("X-Break-Glass", reason)
	}
	req = req.WithContext(tenantctx.With(req.Context(), rc))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestBreakGlass_NoHeaderPassesThrough(t *testing.T) {
	rc := tenantctx.RequestContext{
		TenantID:  "t1",
		Principal: tenantctx.Principal{ID: "u1"},
		Purpose:   tenantctx.PurposeTreatment,
	}
	c, _ := newBreakGlassContext(t, "", rc)

	mw := breakGlassMiddleware(zerolog.Nop(), newBreakGlassRateLimit(), time.Now)
	h := mw(func(c echo.Context) error {
		got, _ := tenantctx.From(c.Request().Context())
		if got.Purpose != tenantctx.PurposeTreatment || got.Emergency {
			t.Errorf("context should be untouched: %+v", got)
		}
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBreakGlass_RewritesPurposeToEmergency(t *testing.T) {
	rc := tenantctx.RequestContext{
		TenantID:  "t1",
		Principal: tenantctx.Principal{ID: "dr-oncall"},
		Purpose:   tenantctx.PurposeTreatment,
	}
	c, _ := newBreakGlassContext(t, "unconscious patient", rc)

	mw := breakGlassMiddleware(zerolog.Nop(), newBreakGlassRateLimit(), time.Now)
	h := mw(func(c echo.Context) error {
		got, ok := tenantctx.From(c.Request().Context())
		if !ok {
			t.Fatal("request context missing")
		}
		if got.Purpose != tenantctx.PurposeEmergency {
			t.Errorf("purpose = %s, want emergency", got.Purpose)
		}
		if got.PurposeDetail != "unconscious patient" {
			t.Errorf("purpose detail = %q", got.PurposeDetail)
		}
		if !got.Emergency {
			t.Error("emergency flag not set")
		}
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBreakGlass_RequiresAuthentication(t *testing.T) {
	c, _ := newBreakGlassContext(t, "emergency", tenantctx.RequestContext{TenantID: "t1"})

	mw := breakGlassMiddleware(zerolog.Nop(), newBreakGlassRateLimit(), time.Now)
	h := mw(func(c echo.Context) error {
		t.Error("handler should not run without a principal")
		return nil
	})
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestBreakGlass_RateLimitPerUser(t *testing.T) {
	rl := newBreakGlassRateLimit()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mw := breakGlassMiddleware(zerolog.Nop(), rl, func() time.Time { return now })

	rc := tenantctx.RequestContext{
		TenantID:  "t1",
		Principal: tenantctx.Principal{ID: "dr-busy"},
	}

	h := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for i := 0; i < breakGlassMaxPerHour; i++ {
		c, _ := newBreakGlassContext(t, "emergency", rc)
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
	}

	c, _ := newBreakGlassContext(t, "emergency", rc)
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d invocations, got %v", breakGlassMaxPerHour, err)
	}

	// A different user has a separate budget.
	other := rc
	other.Principal.ID = "dr-other"
	c, _ = newBreakGlassContext(t, "emergency", other)
	if err := h(c); err != nil {
		t.Fatalf("other user should be allowed: %v", err)
	}
}

func TestBreakGlassRateLimit_WindowExpiry(t *testing.T) {
	rl := newBreakGlassRateLimit()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < breakGlassMaxPerHour; i++ {
		if !rl.allow("u1", base, breakGlassMaxPerHour) {
			t.Fatalf("invocation %d should be allowed", i+1)
		}
	}
	if rl.allow("u1", base, breakGlassMaxPerHour) {
		t.Error("over-limit invocation allowed")
	}

	// After the window rolls past, the budget refills.
	later := base.Add(61 * time.Minute)
	if !rl.allow("u1", later, breakGlassMaxPerHour) {
		t.Error("invocation after window expiry should be allowed")
	}
}

func TestBreakGlassRateLimit_Cleanup(t *testing.T) {
	rl := newBreakGlassRateLimit()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rl.allow("u1", base, breakGlassMaxPerHour)
	rl.allow("u2", base.Add(30*time.Minute), breakGlassMaxPerHour)

	rl.cleanup(base.Add(70 * time.Minute))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["u1"]; ok {
		t.Error("expired user entry not cleaned up")
	}
	if _, ok := rl.entries["u2"]; !ok {
		t.Error("live user entry removed")
	}
}
