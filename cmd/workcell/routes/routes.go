package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/madsci/workcell/cmd/workcell/container"
	"github.com/madsci/workcell/cmd/workcell/handlers"
	"github.com/madsci/workcell/common/middleware"
)

// RegisterWorkflowRoutes wires the workflow lifecycle endpoints. Submission
// is the only write amplified by downstream instrument work, so it is the
// only rate limited route.
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.Components, c.WorkflowSvc, c.DefinitionSvc, c.Limiter)

	cfg := c.Components.Config.RateLimit
	e.POST("/workflow", h.Submit,
		middleware.SubmissionRateLimit(c.Limiter, cfg.GlobalPerMinute, cfg.SubmitterPerMinute))
	e.GET("/workflow/:id", h.Get)
	e.POST("/workflow/:id/pause", h.Pause)
	e.POST("/workflow/:id/resume", h.Resume)
	e.POST("/workflow/:id/cancel", h.Cancel)
	e.POST("/workflow/:id/retry", h.Retry)
	e.GET("/workflows/active", h.ListActive)
	e.GET("/workflows/archived", h.ListArchived)
	e.GET("/workflows/queue", h.Queue)
}

// RegisterDefinitionRoutes wires the workflow definition store endpoints.
func RegisterDefinitionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewDefinitionHandler(c.Components, c.DefinitionSvc)

	e.POST("/workflow_definition", h.Create)
	e.GET("/workflow_definition/:id", h.Get)
	e.PUT("/workflow_definition/:id", h.Update)
	e.PATCH("/workflow_definition/:id", h.Patch)
	e.DELETE("/workflow_definition/:id", h.Delete)
	e.GET("/workflow_definitions", h.List)
}

// RegisterNodeRoutes wires the node registry endpoints.
func RegisterNodeRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewNodeHandler(c.Components, c.NodeSvc)

	e.POST("/node", h.Register)
	e.GET("/node", h.List)
	e.GET("/node/:name", h.Get)
	e.DELETE("/node/:name", h.Remove)
	e.POST("/node/:name/admin/:command", h.AdminCommand)
}

// RegisterWorkcellRoutes wires the composed state, workcell definition and
// location endpoints.
func RegisterWorkcellRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkcellHandler(c.Components, c.State)

	e.GET("/state", h.State)
	e.GET("/workcell", h.GetWorkcell)
	e.POST("/workcell", h.SaveWorkcell)
	e.GET("/locations", h.ListLocations)
	e.POST("/location", h.CreateLocation)
	e.GET("/location/:id", h.GetLocation)
	e.POST("/location/:id/attach_resource", h.AttachResource)
	e.DELETE("/location/:id", h.DeleteLocation)
}
