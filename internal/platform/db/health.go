package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Pool is the part of *pgxpool.Pool the health check needs.
type Pool interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool Pool) *PoolStats {
	stat := pool.Stat()
	if stat == nil {
		return &PoolStats{}
	}
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

// HealthHandler returns a handler for the database health check endpoint.
// A nil pool reports the audit store as disabled rather than unhealthy.
func HealthHandler(pool Pool, timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		if pool == nil {
			return c.JSON(http.StatusOK, map[string]any{
				"status": "disabled",
			})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		stats.Healthy = true
		return c.JSON(http.StatusOK, map[string]any{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
