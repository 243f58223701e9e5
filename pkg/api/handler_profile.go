package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/amelia-dev/amelia/pkg/models"
)

// listProfilesHandler handles GET /api/profiles.
func (s *Server) listProfilesHandler(c *echo.Context) error {
	profiles, err := s.store.ListProfiles(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, profiles)
}

// createProfileHandler handles POST /api/profiles.
func (s *Server) createProfileHandler(c *echo.Context) error {
	var p models.Profile
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if p.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profile name is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := s.store.CreateProfile(c.Request().Context(), &p); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, &p)
}

// getProfileHandler handles GET /api/profiles/:id.
func (s *Server) getProfileHandler(c *echo.Context) error {
	p, err := s.store.GetProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// updateProfileHandler handles PUT /api/profiles/:id.
func (s *Server) updateProfileHandler(c *echo.Context) error {
	var p models.Profile
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	p.ID = c.Param("id")
	if err := s.store.UpdateProfile(c.Request().Context(), &p); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &p)
}

// deleteProfileHandler handles DELETE /api/profiles/:id.
func (s *Server) deleteProfileHandler(c *echo.Context) error {
	if err := s.store.DeleteProfile(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// activateProfileHandler handles POST /api/profiles/:id/activate.
// Exactly one profile is active; activation demotes the previous one.
func (s *Server) activateProfileHandler(c *echo.Context) error {
	if err := s.store.SetActiveProfile(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	p, err := s.store.GetProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// listSettingsHandler handles GET /api/settings.
func (s *Server) listSettingsHandler(c *echo.Context) error {
	settings, err := s.store.ListSettings(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, settings)
}

// updateSettingsHandler handles PUT /api/settings with a flat key/value map.
func (s *Server) updateSettingsHandler(c *echo.Context) error {
	var settings map[string]string
	if err := c.Bind(&settings); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	for k, v := range settings {
		if err := s.store.SetSetting(c.Request().Context(), k, v); err != nil {
			return mapServiceError(err)
		}
	}
	out, err := s.store.ListSettings(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, out)
}
