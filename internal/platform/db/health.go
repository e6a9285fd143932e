package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats summarises the Postgres pool for the health endpoint. Saturated
// is set when every connection is checked out and callers had to wait, the
// condition under which row locks queue behind each other.
type PoolStats struct {
	Open          int32  `json:"open"`
	InUse         int32  `json:"in_use"`
	Idle          int32  `json:"idle"`
	Max           int32  `json:"max"`
	WaitedAcquire int64  `json:"waited_acquires"`
	AcquireWait   string `json:"acquire_wait"`
	Saturated     bool   `json:"saturated"`
}

// Stats reads the pool counters.
func (d *PostgresDB) Stats() PoolStats {
	stat := d.pool.Stat()
	return PoolStats{
		Open:          stat.TotalConns(),
		InUse:         stat.AcquiredConns(),
		Idle:          stat.IdleConns(),
		Max:           stat.MaxConns(),
		WaitedAcquire: stat.EmptyAcquireCount(),
		AcquireWait:   stat.AcquireDuration().String(),
		Saturated:     stat.AcquiredConns() >= stat.MaxConns() && stat.EmptyAcquireCount() > 0,
	}
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Driver string     `json:"driver"`
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Pool   *PoolStats `json:"pool,omitempty"`
}

// Check pings the database and reports its state.
func Check(ctx context.Context, database DB) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	report := HealthReport{Driver: database.Driver(), Status: "healthy"}
	if pg, ok := database.(*PostgresDB); ok {
		stats := pg.Stats()
		report.Pool = &stats
	}
	if err := database.Ping(ctx); err != nil {
		report.Status = "unhealthy"
		report.Error = err.Error()
	}
	return report
}

// HealthHandler serves Check as JSON, 503 when the ping fails.
func HealthHandler(database DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := Check(c.Request().Context(), database)
		if report.Status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
