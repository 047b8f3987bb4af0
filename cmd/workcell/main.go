package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/madsci/workcell/cmd/workcell/container"
	"github.com/madsci/workcell/cmd/workcell/routes"
	"github.com/madsci/workcell/common/bootstrap"
	"github.com/madsci/workcell/common/metrics"
	internalmw "github.com/madsci/workcell/common/middleware"
)

const (
	exitOK        = 0
	exitRuntime   = 1
	exitConfig    = 2
	exitInterrupt = 130
)

func main() {
	root := &cobra.Command{
		Use:           "workcell",
		Short:         "Workcell manager: workflow scheduling and node orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "workcell: %v\n", err)
		os.Exit(exitConfig)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workcell manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(serve())
			return nil
		},
	}
}

func serve() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "workcell")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap workcell manager: %v\n", err)
		return exitConfig
	}
	defer components.Shutdown(context.Background())

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize service container: %v\n", err)
		return exitConfig
	}

	logger := components.Logger

	system := metrics.CaptureSystemInfo()
	logger.Info("starting workcell manager",
		"host", system.Hostname,
		"os", system.OSVersion,
		"cpus", system.CPULogical,
		"container", system.InContainer,
	)

	// Recover workflows abandoned by a previous run before scheduling starts.
	if err := serviceContainer.State.RecoverAbandoned(ctx); err != nil {
		logger.Error("failed to recover abandoned workflows", "error", err)
		return exitRuntime
	}

	go serviceContainer.Scheduler.Run(ctx)
	serviceContainer.NodeSvc.StartPoller(ctx, components.Config.Node.StatusInterval)
	serviceContainer.State.StartJanitor(ctx, time.Minute)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(internalmw.ExtractUserID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "workcell",
			"system":  system,
		})
	})

	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterDefinitionRoutes(e, serviceContainer)
	routes.RegisterNodeRoutes(e, serviceContainer)
	routes.RegisterWorkcellRoutes(e, serviceContainer)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", components.Config.Service.Port)
		logger.Info("control plane listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("control plane failed", "error", err)
		return exitRuntime
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return exitRuntime
		}
		return exitInterrupt
	}
}
