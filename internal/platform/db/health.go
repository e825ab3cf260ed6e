package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// PoolStats is a point-in-time snapshot of the connection pool.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// ComponentHealth is one dependency's status in the health response.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the body of the /health endpoint.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Pool       *PoolStats                 `json:"pool,omitempty"`
}

// GetPoolStats snapshots the pool counters.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler pings PostgreSQL and, when configured, Redis. The endpoint
// reports 503 if any required component is down; Redis is optional and a
// nil client is simply not reported.
func HealthHandler(pool *pgxpool.Pool, rdb *redis.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := HealthResponse{
			Status:     "healthy",
			Components: map[string]ComponentHealth{},
			Pool:       GetPoolStats(pool),
		}

		if err := pool.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Pool.Healthy = false
			resp.Components["postgres"] = ComponentHealth{Status: "down", Error: err.Error()}
		} else {
			resp.Components["postgres"] = ComponentHealth{Status: "up"}
		}

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				resp.Status = "unhealthy"
				resp.Components["redis"] = ComponentHealth{Status: "down", Error: err.Error()}
			} else {
				resp.Components["redis"] = ComponentHealth{Status: "up"}
			}
		}

		code := http.StatusOK
		if resp.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, resp)
	}
}
