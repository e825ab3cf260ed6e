// Package server exposes the platform over HTTP: ingestion, the unified
// patient data surface, consent and policy checks, the LLM gateway, workflow
// control, audit verification, and the cowork WebSocket hub.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/config"
	"github.com/aegis-health/aegis/internal/connector"
	"github.com/aegis-health/aegis/internal/consent"
	"github.com/aegis-health/aegis/internal/cowork"
	"github.com/aegis-health/aegis/internal/dataservice"
	"github.com/aegis-health/aegis/internal/ingest"
	"github.com/aegis-health/aegis/internal/killswitch"
	"github.com/aegis-health/aegis/internal/llm"
	"github.com/aegis-health/aegis/internal/normalize"
	"github.com/aegis-health/aegis/internal/platform/db"
	"github.com/aegis-health/aegis/internal/platform/middleware"
	"github.com/aegis-health/aegis/internal/platform/redact"
	"github.com/aegis-health/aegis/internal/platform/telemetry"
	"github.com/aegis-health/aegis/internal/platform/tenantctx"
	"github.com/aegis-health/aegis/internal/policy"
	"github.com/aegis-health/aegis/internal/retention"
	"github.com/aegis-health/aegis/internal/workflow"
)

// Services carries every collaborator the HTTP layer dispatches to. Pool and
// Redis are optional; the health endpoint degrades to a static check without
// them.
type Services struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Redactor     *redact.Redactor
	Audit        *audit.Service
	Policy       *policy.Engine
	Consent      *consent.Engine
	ConsentStore consent.Store
	Registry     *connector.Registry
	Ingest       *ingest.Pipeline
	Data         *dataservice.Service
	Normalizer   *normalize.Engine
	Gateway      *llm.Gateway
	Kill         *killswitch.Switch
	Retention    *retention.Service
	Runtime      *workflow.Runtime
	Workflows    map[string]*workflow.Graph
	Hub          *cowork.Hub
	Pool         *pgxpool.Pool
	Redis        *redis.Client
}

// Server is the HTTP front of the platform.
type Server struct {
	echo *echo.Echo
	svc  Services
	log  zerolog.Logger
}

// New assembles the router and middleware chain.
func New(svc Services) *Server {
	log := svc.Logger.With().Str("component", "server").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler(svc.Redactor, log)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(log))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(log))
	e.Use(middleware.BodyLimit("1M", "25M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(telemetry.HTTPMetrics())
	e.Use(middleware.Logger(log))

	s := &Server{echo: e, svc: svc, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	cfg := s.svc.Config

	if s.svc.Pool != nil {
		s.echo.GET("/health", db.HealthHandler(s.svc.Pool, s.svc.Redis))
	} else {
		s.echo.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})
	}
	s.echo.GET("/metrics", telemetry.MetricsHandler())

	api := s.echo.Group("/api/v1",
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		tenantctx.Middleware(cfg.DefaultTenant, cfg.RequirePurpose),
		middleware.BreakGlass(s.log),
		middleware.Audit(s.svc.Audit, s.log),
	)

	api.POST("/ingest", s.handleIngest)
	api.GET("/sources", s.handleListSources)

	api.GET("/patients/:id/360", s.handlePatient360)
	api.GET("/patients/:id/network", s.handlePatientNetwork)
	api.GET("/patients/:id/vitals/trend", s.handleVitalTrend)
	api.GET("/patients/:id/deterioration", s.handleDeterioration)

	api.POST("/llm/complete", s.handleLLMComplete)
	api.POST("/llm/stream", s.handleLLMStream)
	api.GET("/llm/usage", s.handleLLMUsage)

	api.POST("/normalize", s.handleNormalize)
	api.POST("/mappings/verify", s.handleVerifyMapping)

	api.POST("/consents", s.handlePutConsent)
	api.POST("/consents/check", s.handleCheckConsent)
	api.POST("/access/check", s.handleCheckAccess)

	api.GET("/audit", s.handleListAudit)
	api.GET("/audit/verify", s.handleVerifyAudit)

	api.GET("/killswitch", s.handleKillStatus)
	api.POST("/killswitch/pause", s.handleKillPause)
	api.POST("/killswitch/resume", s.handleKillResume)

	api.POST("/retention/holds", s.handlePlaceHold)
	api.DELETE("/retention/holds/:id", s.handleReleaseHold)
	api.POST("/retention/sweep", s.handleSweep)

	api.POST("/workflows/:workflow_id/run", s.handleRunWorkflow)
	api.POST("/workflows/:workflow_id/replay/:execution_id", s.handleReplayWorkflow)

	if s.svc.Hub != nil {
		cowork.NewHandler(s.svc.Hub).RegisterRoutes(api)
	}
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the listener fails, honoring TLS configuration.
func (s *Server) Start() error {
	cfg := s.svc.Config
	addr := ":" + cfg.Port
	s.log.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("listening")
	if cfg.TLSEnabled {
		return s.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
