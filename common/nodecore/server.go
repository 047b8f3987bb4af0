package nodecore

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/madsci/workcell/common/types"
)

// Server exposes a Node over the canonical REST surface.
type Server struct {
	node   *Node
	echo   *echo.Echo
	logger Logger
	addr   string
}

// NewServer wires the node's routes into an echo instance.
func NewServer(node *Node, addr string, logger Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())

	s := &Server{node: node, echo: e, logger: logger, addr: addr}

	e.GET("/info", s.getInfo)
	e.GET("/status", s.getStatus)
	e.GET("/state", s.getState)
	e.GET("/log", s.getLog)
	e.POST("/config", s.setConfig)
	e.POST("/admin/:command", s.adminCommand)
	e.POST("/action/:name", s.createAction)
	e.POST("/action/:name/:action_id/upload/:arg", s.uploadFile)
	e.POST("/action/:name/:action_id/start", s.startAction)
	e.GET("/action/:action_id/status", s.actionStatus)
	e.GET("/action/:action_id/result", s.actionResult)
	e.GET("/action/:name/:action_id/download/:label", s.downloadFile)

	return s
}

// Start runs the server until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.logger != nil {
		s.logger.Info("node server listening", "addr", s.addr, "node", s.node.Info().NodeName)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) getInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Info())
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Status())
}

func (s *Server) getState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.State())
}

func (s *Server) getLog(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Log())
}

func (s *Server) setConfig(c echo.Context) error {
	var config map[string]any
	if err := c.Bind(&config); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid config payload")
	}
	return c.JSON(http.StatusOK, s.node.SetConfig(config))
}

func (s *Server) adminCommand(c echo.Context) error {
	cmd := types.AdminCommand(c.Param("command"))
	resp := s.node.RunAdminCommand(c.Request().Context(), cmd)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, resp)
}

// createAction records a pending action. Validation failures are recorded
// under the returned ID and surface from the start call, so the reply shape
// stays uniform.
func (s *Server) createAction(c echo.Context) error {
	var args map[string]any
	if c.Request().ContentLength != 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&args); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid action arguments")
		}
	}
	actionID, _ := s.node.CreateAction(c.Param("name"), args)
	return c.JSON(http.StatusOK, map[string]string{"action_id": actionID})
}

func (s *Server) uploadFile(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file part")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file part")
	}
	defer src.Close()

	if err := s.node.UploadFile(c.Param("action_id"), c.Param("arg"), src, fileHeader.Filename); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) startAction(c echo.Context) error {
	result, err := s.node.StartAction(c.Request().Context(), c.Param("action_id"))
	if err != nil {
		if errors.Is(err, ErrNodeBusy) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return s.respondResult(c, result)
}

func (s *Server) actionStatus(c echo.Context) error {
	status, err := s.node.GetActionStatus(c.Param("action_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) actionResult(c echo.Context) error {
	result, err := s.node.GetResult(c.Param("action_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return s.respondResult(c, result)
}

func (s *Server) downloadFile(c echo.Context) error {
	path, err := s.node.ResultFilePath(c.Param("action_id"), c.Param("label"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.File(path)
}

// respondResult sends a result as JSON, or as a binary body with metadata
// headers when the action produced local files. Multiple files ship as a zip.
func (s *Server) respondResult(c echo.Context, result *types.ActionResult) error {
	if len(result.Files) == 0 {
		return c.JSON(http.StatusOK, result)
	}

	header := c.Response().Header()
	header.Set("x-madsci-action-id", result.ActionID)
	header.Set("x-madsci-status", string(result.Status))
	if len(result.Errors) > 0 {
		raw, err := json.Marshal(result.Errors)
		if err != nil {
			return err
		}
		header.Set("x-madsci-errors", string(raw))
	}
	if len(result.Data) > 0 {
		raw, err := json.Marshal(result.Data)
		if err != nil {
			return err
		}
		header.Set("x-madsci-data", string(raw))
	}
	if len(result.Datapoints) > 0 {
		raw, err := json.Marshal(result.Datapoints)
		if err != nil {
			return err
		}
		header.Set("x-madsci-datapoints", string(raw))
	}

	labels := make(map[string]string, len(result.Files))
	for label, path := range result.Files {
		labels[label] = filepath.Base(path)
	}
	rawLabels, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	header.Set("x-madsci-files", string(rawLabels))

	if len(result.Files) == 1 {
		for _, path := range result.Files {
			return c.File(path)
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for label, path := range result.Files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open result file %q: %w", label, err)
		}
		member, err := zw.Create(label + filepath.Ext(path))
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(member, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/zip", buf.Bytes())
}
