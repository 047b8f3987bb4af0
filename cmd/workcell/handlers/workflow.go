package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/madsci/workcell/cmd/workcell/service"
	"github.com/madsci/workcell/common/bootstrap"
	"github.com/madsci/workcell/common/clients"
	"github.com/madsci/workcell/common/middleware"
	"github.com/madsci/workcell/common/ratelimit"
	"github.com/madsci/workcell/common/types"
)

// WorkflowHandler serves the workflow lifecycle endpoints.
type WorkflowHandler struct {
	components    *bootstrap.Components
	workflowSvc   *service.WorkflowService
	definitionSvc *service.DefinitionService
	limiter       *ratelimit.Limiter
}

// NewWorkflowHandler creates a workflow handler. The limiter may be nil,
// which disables tiered submission throttling.
func NewWorkflowHandler(components *bootstrap.Components, workflowSvc *service.WorkflowService, definitionSvc *service.DefinitionService, limiter *ratelimit.Limiter) *WorkflowHandler {
	return &WorkflowHandler{
		components:    components,
		workflowSvc:   workflowSvc,
		definitionSvc: definitionSvc,
		limiter:       limiter,
	}
}

// submitRequest is the JSON `data` part of a workflow submission.
type submitRequest struct {
	DefinitionID string                    `json:"workflow_definition_id,omitempty"`
	Definition   *types.WorkflowDefinition `json:"definition,omitempty"`
	Parameters   map[string]any            `json:"parameters,omitempty"`
	Ownership    types.Ownership           `json:"ownership,omitempty"`
	Priority     int                       `json:"priority,omitempty"`
	ValidateOnly bool                      `json:"validate_only,omitempty"`
}

// Submit materializes and enqueues a workflow.
// POST /workflow (multipart: JSON `data` part + one part per file input, or
// a plain JSON body when the workflow takes no files)
func (h *WorkflowHandler) Submit(c echo.Context) error {
	var req submitRequest
	fileInputs := map[string]string{}

	contentType := c.Request().Header.Get("Content-Type")
	if len(contentType) >= 19 && contentType[:19] == "multipart/form-data" {
		data := c.FormValue("data")
		if data == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing data part")
		}
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid data part: "+err.Error())
		}

		form, err := c.MultipartForm()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
		}
		for key, headers := range form.File {
			if len(headers) == 0 {
				continue
			}
			path, err := h.stageUpload(headers[0].Filename, func() (io.ReadCloser, error) { return headers[0].Open() })
			if err != nil {
				return respondError(c, err)
			}
			fileInputs[key] = path
		}
	} else {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid submission payload")
		}
	}

	def := req.Definition
	if def == nil {
		if req.DefinitionID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "either definition or workflow_definition_id is required")
		}
		stored, err := h.definitionSvc.Get(c.Request().Context(), req.DefinitionID)
		if err != nil {
			return respondError(c, err)
		}
		def = stored
	}

	ownership := req.Ownership
	if userID, ok := clients.GetUserID(c.Request().Context()); ok && ownership.UserID == "" {
		ownership.UserID = userID
	}

	// Longer workflows burn more instrument time, so they draw from a
	// stingier per-submitter budget. Limiter errors fail open.
	if h.limiter != nil && !req.ValidateOnly {
		profile := ratelimit.InspectDefinition(def)
		result, err := h.limiter.CheckTiered(c.Request().Context(), middleware.Submitter(c), profile.Tier)
		if err == nil && !result.Allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":   "tier_rate_limit_exceeded",
				"message": "Submission quota exhausted for " + string(profile.Tier) + " workflows.",
				"details": map[string]interface{}{
					"tier":                string(profile.Tier),
					"limit":               result.Limit,
					"retry_after_seconds": result.RetryAfterSeconds,
				},
			})
		}
	}

	wf, err := h.workflowSvc.Submit(c.Request().Context(), def, service.SubmitOpts{
		JSONInputs:   req.Parameters,
		FileInputs:   fileInputs,
		Ownership:    ownership,
		Priority:     req.Priority,
		ValidateOnly: req.ValidateOnly,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// stageUpload writes an uploaded part to a temp file and returns its path.
func (h *WorkflowHandler) stageUpload(filename string, open func() (io.ReadCloser, error)) (string, error) {
	src, err := open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir, err := os.MkdirTemp("", "workcell_upload_")
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.Base(filename))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return "", err
	}
	return dest, nil
}

// Get returns a workflow's current state.
// GET /workflow/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	wf, err := h.workflowSvc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Pause flags a workflow paused.
// POST /workflow/:id/pause
func (h *WorkflowHandler) Pause(c echo.Context) error {
	wf, err := h.workflowSvc.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Resume clears a workflow's paused flag.
// POST /workflow/:id/resume
func (h *WorkflowHandler) Resume(c echo.Context) error {
	wf, err := h.workflowSvc.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Cancel marks a workflow cancelled.
// POST /workflow/:id/cancel
func (h *WorkflowHandler) Cancel(c echo.Context) error {
	wf, err := h.workflowSvc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Retry resets a failed workflow from a step index and requeues it.
// POST /workflow/:id/retry?index=i
func (h *WorkflowHandler) Retry(c echo.Context) error {
	index := 0
	if raw := c.QueryParam("index"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid retry index")
		}
		index = parsed
	} else {
		wf, err := h.workflowSvc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		index = wf.Status.CurrentStepIndex
	}

	wf, err := h.workflowSvc.Retry(c.Request().Context(), c.Param("id"), index)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ListActive returns non-archived workflows.
// GET /workflows/active
func (h *WorkflowHandler) ListActive(c echo.Context) error {
	workflows, err := h.workflowSvc.List(c.Request().Context(), false)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, workflows)
}

// ListArchived returns archived workflows.
// GET /workflows/archived?number=N
func (h *WorkflowHandler) ListArchived(c echo.Context) error {
	workflows, err := h.workflowSvc.List(c.Request().Context(), true)
	if err != nil {
		return respondError(c, err)
	}
	archived := make([]*types.Workflow, 0, len(workflows))
	for _, wf := range workflows {
		if wf.Status.Terminal() {
			archived = append(archived, wf)
		}
	}
	// Most recently finished first; the backing map has no stable order.
	sort.Slice(archived, func(i, j int) bool {
		ti, tj := archiveEndTime(archived[i]), archiveEndTime(archived[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return archived[i].WorkflowID > archived[j].WorkflowID
	})
	if raw := c.QueryParam("number"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(archived) {
			archived = archived[:n]
		}
	}
	return c.JSON(http.StatusOK, archived)
}

func archiveEndTime(wf *types.Workflow) time.Time {
	if wf.EndTime == nil {
		return time.Time{}
	}
	return *wf.EndTime
}

// Queue returns the queued workflow IDs in order.
// GET /workflows/queue
func (h *WorkflowHandler) Queue(c echo.Context) error {
	queue, err := h.workflowSvc.Queue(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, queue)
}
