package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/amelia-dev/amelia/pkg/agents"
	"github.com/amelia-dev/amelia/pkg/models"
)

// oracleConsultHandler handles POST /api/oracle/consult.
// The working directory must sit inside the profile's root.
func (s *Server) oracleConsultHandler(c *echo.Context) error {
	var req OracleConsultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Problem == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "problem is required")
	}
	if req.WorkingDir == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "working_dir is required")
	}

	profile, err := s.resolveProfile(c.Request().Context(), req.ProfileID)
	if err != nil {
		return mapServiceError(err)
	}
	if profile.WorkingDir != "" && !dirWithin(profile.WorkingDir, req.WorkingDir) {
		return echo.NewHTTPError(http.StatusBadRequest, "working_dir is outside the profile root")
	}

	result, err := s.consult(c.Request().Context(), agents.OracleRequest{
		Problem:    req.Problem,
		WorkingDir: req.WorkingDir,
		Files:      req.Files,
	}, req.Model)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &OracleConsultResponse{
		Advice:       result.Advice,
		Consultation: uuid.New().String(),
	})
}

// defaultConsult builds an oracle from the profile's "oracle" agent config.
func (s *Server) defaultConsult(ctx context.Context, req agents.OracleRequest, model string) (*agents.OracleResult, error) {
	profile, err := s.store.GetActiveProfile(ctx)
	if err != nil {
		return nil, err
	}
	cfg := profile.AgentFor("oracle")
	if model != "" {
		cfg.Model = model
	}
	d, err := agents.NewDriver(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer d.CleanupSession(ctx, "")
	oracle := &agents.Oracle{Driver: d}
	return oracle.Consult(ctx, req)
}

func (s *Server) resolveProfile(ctx context.Context, id string) (*models.Profile, error) {
	if id == "" {
		return s.store.GetActiveProfile(ctx)
	}
	return s.store.GetProfile(ctx, id)
}

// dirWithin reports whether dir resolves to root or a descendant of root.
func dirWithin(root, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
