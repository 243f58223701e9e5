package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/orchestrator"
	"github.com/amelia-dev/amelia/pkg/store"
)

// mapServiceError maps orchestrator and store errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var inputErr *driver.UserInputError
	if errors.As(err, &inputErr) {
		return echo.NewHTTPError(http.StatusBadRequest, inputErr.Reason)
	}
	var schemaErr *driver.SchemaValidationError
	if errors.As(err, &schemaErr) {
		return echo.NewHTTPError(http.StatusBadRequest, schemaErr.Error())
	}
	if errors.Is(err, orchestrator.ErrNotBlocked) || errors.Is(err, orchestrator.ErrNotStartable) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	var conflict *orchestrator.WorkflowConflictError
	if errors.As(err, &conflict) {
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"error":       conflict.Error(),
			"existing_id": conflict.ExistingID,
		})
	}
	if errors.Is(err, orchestrator.ErrAtCapacity) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
