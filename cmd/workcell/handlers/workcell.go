package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/madsci/workcell/cmd/workcell/state"
	"github.com/madsci/workcell/common/bootstrap"
	"github.com/madsci/workcell/common/types"
)

// WorkcellHandler serves the composed workcell state, the workcell
// definition and locations.
type WorkcellHandler struct {
	components *bootstrap.Components
	state      *state.Handler
}

// NewWorkcellHandler creates a workcell handler.
func NewWorkcellHandler(components *bootstrap.Components, stateHandler *state.Handler) *WorkcellHandler {
	return &WorkcellHandler{
		components: components,
		state:      stateHandler,
	}
}

// State returns the composed workcell snapshot.
// GET /state
func (h *WorkcellHandler) State(c echo.Context) error {
	snapshot, err := h.state.State(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// GetWorkcell returns the workcell definition.
// GET /workcell
func (h *WorkcellHandler) GetWorkcell(c echo.Context) error {
	def, found, err := h.state.GetWorkcell(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no workcell definition stored")
	}
	return c.JSON(http.StatusOK, def)
}

// SaveWorkcell stores the workcell definition.
// POST /workcell
func (h *WorkcellHandler) SaveWorkcell(c echo.Context) error {
	var def types.WorkcellDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workcell definition")
	}
	if err := h.state.SaveWorkcell(c.Request().Context(), &def); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// ListLocations returns all locations.
// GET /locations
func (h *WorkcellHandler) ListLocations(c echo.Context) error {
	locations, err := h.state.ListLocations(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, locations)
}

// CreateLocation stores a location.
// POST /location
func (h *WorkcellHandler) CreateLocation(c echo.Context) error {
	var loc types.Location
	if err := c.Bind(&loc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid location payload")
	}
	if loc.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "location name is required")
	}
	if err := h.state.SaveLocation(c.Request().Context(), &loc); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, loc)
}

// GetLocation fetches one location.
// GET /location/:id
func (h *WorkcellHandler) GetLocation(c echo.Context) error {
	loc, found, err := h.state.GetLocation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "location not found")
	}
	return c.JSON(http.StatusOK, loc)
}

type attachResourceRequest struct {
	ResourceID string `json:"resource_id"`
}

// AttachResource binds an external resource ID to a location.
// POST /location/:id/attach_resource
func (h *WorkcellHandler) AttachResource(c echo.Context) error {
	var req attachResourceRequest
	if err := c.Bind(&req); err != nil || req.ResourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_id is required")
	}

	loc, found, err := h.state.GetLocation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "location not found")
	}
	loc.ResourceID = req.ResourceID
	if err := h.state.SaveLocation(c.Request().Context(), loc); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, loc)
}

// DeleteLocation removes a location.
// DELETE /location/:id
func (h *WorkcellHandler) DeleteLocation(c echo.Context) error {
	if err := h.state.DeleteLocation(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
