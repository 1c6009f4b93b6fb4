package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
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
	}
}

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Health aggregates named dependency checks behind one endpoint.
type Health struct {
	pool   *pgxpool.Pool
	checks map[string]Check
}

// NewHealth builds a health endpoint. pool may be nil; when set it is pinged
// as the "postgres" check and its stats are included.
func NewHealth(pool *pgxpool.Pool) *Health {
	h := &Health{pool: pool, checks: make(map[string]Check)}
	if pool != nil {
		h.checks["postgres"] = pool.Ping
	}
	return h
}

// Add registers a named check. Registering a name twice replaces it.
func (h *Health) Add(name string, check Check) *Health {
	h.checks[name] = check
	return h
}

type ComponentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Pool       *PoolStats        `json:"pool,omitempty"`
}

// Run executes every check and reports unhealthy if any fails.
func (h *Health) Run(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := HealthReport{Status: "healthy"}
	for _, name := range names {
		comp := ComponentHealth{Name: name, Status: "healthy"}
		if err := h.checks[name](ctx); err != nil {
			comp.Status = "unhealthy"
			comp.Error = err.Error()
			report.Status = "unhealthy"
		}
		report.Components = append(report.Components, comp)
	}
	if h.pool != nil {
		report.Pool = GetPoolStats(h.pool)
	}
	return report
}

func (h *Health) Handler(c echo.Context) error {
	report := h.Run(c.Request().Context())
	if report.Status != "healthy" {
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}
