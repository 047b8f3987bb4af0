package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/madsci/workcell/common/bootstrap"
	"github.com/madsci/workcell/common/nodecore"
	"github.com/madsci/workcell/common/types"
)

// examplenode hosts a simulated liquid handler. It exists to exercise the
// node runtime end to end: argument validation, file arguments, blocking
// actions, result files and admin commands.
func main() {
	var port int
	var nodeName string

	root := &cobra.Command{
		Use:           "examplenode",
		Short:         "Simulated liquid handler node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(nodeName, port)
		},
	}
	root.Flags().IntVar(&port, "port", 8014, "listen port")
	root.Flags().StringVar(&nodeName, "name", "liquidhandler_1", "node name")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "examplenode: %v\n", err)
		os.Exit(1)
	}
}

func run(nodeName string, port int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "examplenode",
		bootstrap.WithoutDB(),
		bootstrap.WithoutRedis(),
		bootstrap.WithoutTelemetry(),
	)
	if err != nil {
		return err
	}
	defer components.Shutdown(context.Background())
	logger := components.Logger

	node := nodecore.NewNode(nodecore.NodeOpts{
		NodeName:      nodeName,
		ModuleName:    "example_liquidhandler",
		ModuleVersion: "0.1.0",
		Logger:        logger,
		ConfigValues: map[string]any{
			"simulated_delay_ms": 50,
		},
		StatusInterval: components.Config.Node.StatusInterval,
		StateInterval:  components.Config.Node.StateInterval,
		StateHandler: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{
				"deck_occupied": false,
				"tip_count":     96,
			}, nil
		},
	})

	registerActions(node, logger)
	node.MarkReady()
	node.StartBackgroundHandlers(ctx)

	server := nodecore.NewServer(node, fmt.Sprintf(":%d", port), logger)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func registerActions(node *nodecore.Node, logger nodecore.Logger) {
	node.RegisterAction(types.ActionDefinition{
		Name:        "transfer",
		Description: "Transfer liquid between two deck positions",
		Args: []types.ArgumentDefinition{
			{Name: "source", Type: "string", Required: true},
			{Name: "destination", Type: "string", Required: true},
			{Name: "volume_ul", Type: "number", Required: true},
			{Name: "speed", Type: "number", Required: false, Default: 1.0},
		},
		Results: []types.ResultDefinition{
			{Label: "transferred_ul", Type: "json"},
		},
		Blocking: true,
	}, func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
		delay(ctx, node)
		volume, _ := req.Args["volume_ul"].(float64)
		logger.Info("transfer complete",
			"source", req.Args["source"],
			"destination", req.Args["destination"],
			"volume_ul", volume,
		)
		result := types.Succeeded(req.ActionID)
		result.Data["transferred_ul"] = volume
		return result, nil
	})

	node.RegisterAction(types.ActionDefinition{
		Name:        "run_protocol",
		Description: "Execute an uploaded protocol file and report a log",
		Args: []types.ArgumentDefinition{
			{Name: "cycles", Type: "integer", Required: false, Default: 1},
		},
		Files: []types.FileArgumentDefinition{
			{Name: "protocol", Required: true},
		},
		Results: []types.ResultDefinition{
			{Label: "run_log", Type: "file"},
		},
		Blocking: true,
	}, func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
		delay(ctx, node)
		protocol, err := os.ReadFile(req.Files["protocol"])
		if err != nil {
			return nil, fmt.Errorf("failed to read protocol: %w", err)
		}

		logPath := filepath.Join(filepath.Dir(req.Files["protocol"]), "run_log.txt")
		content := fmt.Sprintf("ran protocol (%d bytes) at %s\n", len(protocol), time.Now().UTC().Format(time.RFC3339))
		if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write run log: %w", err)
		}

		result := types.Succeeded(req.ActionID)
		result.Files["run_log"] = logPath
		return result, nil
	})

	node.RegisterAction(types.ActionDefinition{
		Name:        "read_barcode",
		Description: "Read the barcode of the plate at a deck position",
		Args: []types.ArgumentDefinition{
			{Name: "position", Type: "string", Required: true},
		},
		Results: []types.ResultDefinition{
			{Label: "barcode", Type: "json"},
		},
	}, func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
		result := types.Succeeded(req.ActionID)
		result.Data["barcode"] = fmt.Sprintf("PLT-%v", req.Args["position"])
		return result, nil
	})
}

// delay simulates instrument motion using the node's configured delay.
func delay(ctx context.Context, node *nodecore.Node) {
	ms := 50
	if v, ok := node.Info().ConfigValues["simulated_delay_ms"]; ok {
		switch n := v.(type) {
		case int:
			ms = n
		case float64:
			ms = int(n)
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
}
