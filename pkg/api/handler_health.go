package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/shirou/gopsutil/v4/cpu"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// healthHandler handles GET /api/health.
// Only amelia's own components are checked; driver backends are excluded
// so an unhealthy provider cannot get the server restarted.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	db := s.store.Health(reqCtx)
	status := healthStatusHealthy
	if db.Status != healthStatusHealthy {
		status = healthStatusDegraded
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	wsConns := 0
	if s.connManager != nil {
		wsConns = s.connManager.ActiveConnections()
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:               status,
		Version:              Version,
		UptimeSeconds:        int64(time.Since(s.startedAt).Seconds()),
		ActiveWorkflows:      s.orch.ActiveCount(),
		WebsocketConnections: wsConns,
		MemoryMB:             float64(mem.HeapAlloc) / (1024 * 1024),
		CPUPercent:           cpuPercent(),
		Database:             db,
	})
}

// cpuPercent samples host CPU utilization since the previous health call.
// The first sample after startup reports zero.
func cpuPercent() float64 {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}

// livenessHandler handles GET /api/health/live. Responding at all means live.
func (s *Server) livenessHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler handles GET /api/health/ready. Ready requires a
// reachable database.
func (s *Server) readinessHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	db := s.store.Health(reqCtx)
	if db.Status != healthStatusHealthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unready", "database": db})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
