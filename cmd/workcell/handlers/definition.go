package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/madsci/workcell/cmd/workcell/service"
	"github.com/madsci/workcell/common/bootstrap"
	"github.com/madsci/workcell/common/types"
)

// DefinitionHandler serves the workflow definition store.
type DefinitionHandler struct {
	components    *bootstrap.Components
	definitionSvc *service.DefinitionService
}

// NewDefinitionHandler creates a definition handler.
func NewDefinitionHandler(components *bootstrap.Components, definitionSvc *service.DefinitionService) *DefinitionHandler {
	return &DefinitionHandler{
		components:    components,
		definitionSvc: definitionSvc,
	}
}

// Create stores a workflow definition. Accepts JSON or YAML bodies.
// POST /workflow_definition
func (h *DefinitionHandler) Create(c echo.Context) error {
	def, err := h.readDefinition(c)
	if err != nil {
		return respondError(c, err)
	}
	created, err := h.definitionSvc.Create(c.Request().Context(), def)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"workflow_definition_id": created.DefinitionID,
	})
}

// Get fetches a stored definition.
// GET /workflow_definition/:id
func (h *DefinitionHandler) Get(c echo.Context) error {
	def, err := h.definitionSvc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// List returns all stored definitions.
// GET /workflow_definitions
func (h *DefinitionHandler) List(c echo.Context) error {
	definitions, err := h.definitionSvc.List(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, definitions)
}

// Update replaces a stored definition.
// PUT /workflow_definition/:id
func (h *DefinitionHandler) Update(c echo.Context) error {
	def, err := h.readDefinition(c)
	if err != nil {
		return respondError(c, err)
	}
	def.DefinitionID = c.Param("id")
	updated, err := h.definitionSvc.Update(c.Request().Context(), def)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// Patch applies an RFC 6902 JSON Patch to a stored definition.
// PATCH /workflow_definition/:id
func (h *DefinitionHandler) Patch(c echo.Context) error {
	patchDoc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable patch body")
	}
	updated, err := h.definitionSvc.Patch(c.Request().Context(), c.Param("id"), patchDoc)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// Delete removes a stored definition.
// DELETE /workflow_definition/:id
func (h *DefinitionHandler) Delete(c echo.Context) error {
	if err := h.definitionSvc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// readDefinition decodes a definition from the request body, accepting YAML
// when the content type says so.
func (h *DefinitionHandler) readDefinition(c echo.Context) (*types.WorkflowDefinition, error) {
	contentType := c.Request().Header.Get("Content-Type")
	if strings.Contains(contentType, "yaml") {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return nil, types.NewError(types.ErrValidation, "unreadable body: %v", err)
		}
		return types.ParseDefinitionYAML(body)
	}

	var def types.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid definition payload: %v", err)
	}
	return &def, nil
}
