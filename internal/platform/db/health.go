package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Health is the database portion of the portal health report.
type Health struct {
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
}

// CheckHealth pings the pool and snapshots its connection stats.
func CheckHealth(ctx context.Context, pool *pgxpool.Pool) Health {
	stat := pool.Stat()
	h := Health{
		Status:        "healthy",
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
	if err := pool.Ping(ctx); err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
	}
	return h
}

// HealthHandler serves the health check endpoint. An unreachable database
// reports 503 so load balancers rotate the instance out.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := CheckHealth(ctx, pool)
		code := http.StatusOK
		if h.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, h)
	}
}
