package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/madsci/workcell/cmd/workcell/service"
	"github.com/madsci/workcell/common/bootstrap"
	"github.com/madsci/workcell/common/types"
)

// NodeHandler serves the node registry endpoints.
type NodeHandler struct {
	components *bootstrap.Components
	nodeSvc    *service.NodeService
}

// NewNodeHandler creates a node handler.
func NewNodeHandler(components *bootstrap.Components, nodeSvc *service.NodeService) *NodeHandler {
	return &NodeHandler{
		components: components,
		nodeSvc:    nodeSvc,
	}
}

type registerNodeRequest struct {
	NodeName string `json:"node_name"`
	NodeURL  string `json:"node_url"`
}

// Register adds a node to the registry.
// POST /node
func (h *NodeHandler) Register(c echo.Context) error {
	var req registerNodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid node registration payload")
	}
	if req.NodeName == "" || req.NodeURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node_name and node_url are required")
	}

	entry, err := h.nodeSvc.Register(c.Request().Context(), req.NodeName, req.NodeURL)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

// List returns the full registry.
// GET /node
func (h *NodeHandler) List(c echo.Context) error {
	nodes, err := h.nodeSvc.List(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, nodes)
}

// Get fetches one registry entry.
// GET /node/:name
func (h *NodeHandler) Get(c echo.Context) error {
	entry, err := h.nodeSvc.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

// Remove drops a node from the registry.
// DELETE /node/:name
func (h *NodeHandler) Remove(c echo.Context) error {
	if err := h.nodeSvc.Remove(c.Request().Context(), c.Param("name")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AdminCommand forwards an admin command to a node.
// POST /node/:name/admin/:command
func (h *NodeHandler) AdminCommand(c echo.Context) error {
	cmd := types.AdminCommand(c.Param("command"))
	if !types.AdminCommands[cmd] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown admin command")
	}
	resp, err := h.nodeSvc.SendAdminCommand(c.Request().Context(), c.Param("name"), cmd)
	if err != nil {
		return respondError(c, err)
	}
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, resp)
}
