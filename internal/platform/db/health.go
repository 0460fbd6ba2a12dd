package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

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

// SchemaHealth reports whether the target schema has been migrated.
type SchemaHealth struct {
	Schema     string `json:"schema"`
	Migrations int    `json:"migrations"`
	Latest     int    `json:"latest_version"`
}

func checkSchema(ctx context.Context, pool *pgxpool.Pool, schema string) (*SchemaHealth, error) {
	s, err := QuoteSchema(schema)
	if err != nil {
		return nil, err
	}
	h := &SchemaHealth{Schema: schema}
	row := pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*), COALESCE(MAX(version), 0) FROM %s._migrations`, s))
	if err := row.Scan(&h.Migrations, &h.Latest); err != nil {
		return nil, fmt.Errorf("schema %s not migrated: %w", schema, err)
	}
	return h, nil
}

// HealthHandler pings the database and checks the target schema has migrations
// applied.
func HealthHandler(pool *pgxpool.Pool, schema string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := GetPoolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		sh, err := checkSchema(ctx, pool, schema)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
			"schema": sh,
		})
	}
}
