package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/amelia-dev/amelia/pkg/agents"
	"github.com/amelia-dev/amelia/pkg/bus"
	"github.com/amelia-dev/amelia/pkg/orchestrator"
	"github.com/amelia-dev/amelia/pkg/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// OracleFunc performs one oracle consultation. Swappable for tests.
type OracleFunc func(ctx context.Context, req agents.OracleRequest, model string) (*agents.OracleResult, error)

// Server is the REST and WebSocket surface over the orchestrator.
type Server struct {
	store       *store.Store
	bus         *bus.Bus
	orch        *orchestrator.Orchestrator
	connManager *bus.ConnectionManager
	consult     OracleFunc
	startedAt   time.Time

	httpServer *http.Server
}

// NewServer creates the API server. The oracle is built lazily from the
// active profile's "oracle" agent config.
func NewServer(st *store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, cm *bus.ConnectionManager) *Server {
	s := &Server{
		store:       st,
		bus:         b,
		orch:        orch,
		connManager: cm,
		startedAt:   time.Now(),
	}
	s.consult = s.defaultConsult
	return s
}

// SetOracle overrides the oracle consultation path.
func (s *Server) SetOracle(fn OracleFunc) { s.consult = fn }

// Router builds the echo handler with all routes registered.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.POST("/workflows", s.createWorkflowHandler)
	e.POST("/workflows/start-batch", s.startBatchHandler)
	e.GET("/workflows", s.listWorkflowsHandler)
	e.GET("/workflows/:id", s.getWorkflowHandler)
	e.GET("/workflows/:id/events", s.listEventsHandler)
	e.POST("/workflows/:id/start", s.startWorkflowHandler)
	e.POST("/workflows/:id/approve", s.approveWorkflowHandler)
	e.POST("/workflows/:id/reject", s.rejectWorkflowHandler)
	e.POST("/workflows/:id/cancel", s.cancelWorkflowHandler)

	e.POST("/api/oracle/consult", s.oracleConsultHandler)

	e.GET("/api/health", s.healthHandler)
	e.GET("/api/health/live", s.livenessHandler)
	e.GET("/api/health/ready", s.readinessHandler)

	e.GET("/api/settings", s.listSettingsHandler)
	e.PUT("/api/settings", s.updateSettingsHandler)

	e.GET("/api/profiles", s.listProfilesHandler)
	e.POST("/api/profiles", s.createProfileHandler)
	e.GET("/api/profiles/:id", s.getProfileHandler)
	e.PUT("/api/profiles/:id", s.updateProfileHandler)
	e.DELETE("/api/profiles/:id", s.deleteProfileHandler)
	e.POST("/api/profiles/:id/activate", s.activateProfileHandler)

	e.GET("/ws", s.wsHandler)

	return e
}

// Start serves HTTP on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
