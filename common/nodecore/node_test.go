package nodecore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madsci/workcell/common/types"
)

// testLogger implements the Logger interface
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

func newTestNode(t *testing.T) *Node {
	node := NewNode(NodeOpts{
		NodeName:          "testnode_1",
		ModuleName:        "test_module",
		ModuleVersion:     "0.0.1",
		Logger:            &testLogger{t: t},
		UploadDir:         t.TempDir(),
		ConfigValues:      map[string]any{"port": "/dev/ttyUSB0", "speed": 1.0},
		ResetRequiredKeys: []string{"port"},
	})

	node.RegisterAction(types.ActionDefinition{
		Name: "measure",
		Args: []types.ArgumentDefinition{
			{Name: "position", Type: "string", Required: true},
			{Name: "gain", Type: "number", Default: 2.0},
		},
		Results: []types.ResultDefinition{{Label: "reading", Type: "json"}},
	}, func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
		result := types.Succeeded(req.ActionID)
		result.Data["reading"] = 0.42
		result.Data["gain_used"] = req.Args["gain"]
		return result, nil
	})
	return node
}

func TestNode_InitializingUntilMarkReady(t *testing.T) {
	node := newTestNode(t)
	assert.True(t, node.Status().Initializing)
	assert.False(t, node.Status().Ready)

	node.MarkReady()
	assert.False(t, node.Status().Initializing)
	assert.True(t, node.Status().Ready)
}

func TestNode_ActionLifecycle(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	actionID, failed := node.CreateAction("measure", map[string]any{"position": "A1"})
	require.Nil(t, failed)
	require.NotEmpty(t, actionID)

	status, err := node.GetActionStatus(actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionNotStarted, status)

	result, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, result.Status)
	assert.Equal(t, 0.42, result.Data["reading"])
	// Default applied for the missing optional argument.
	assert.Equal(t, 2.0, result.Data["gain_used"])

	// GetResult is idempotent after completion.
	again, err := node.GetResult(actionID)
	require.NoError(t, err)
	assert.Equal(t, result, again)
}

func TestNode_CreateActionValidation(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	// Unknown action: recorded as failed under the returned ID.
	actionID, failed := node.CreateAction("levitate", nil)
	require.NotNil(t, failed)
	assert.Equal(t, types.ActionFailed, failed.Status)
	require.Len(t, failed.Errors, 1)
	assert.Equal(t, types.ErrActionNotImplemented, failed.Errors[0].ErrorType)

	// Starting the failed action surfaces the recorded result, not an error.
	result, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, failed, result)

	// Missing required argument.
	_, failed = node.CreateAction("measure", map[string]any{})
	require.NotNil(t, failed)
	assert.Equal(t, types.ErrActionMissingArgument, failed.Errors[0].ErrorType)

	// Validation failures never mark the node errored.
	assert.False(t, node.Status().Errored)
	assert.True(t, node.Status().Ready)
}

func TestNode_ExtraArgsPassThrough(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	var seen map[string]any
	node.RegisterAction(types.ActionDefinition{Name: "open_ended"},
		func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
			seen = req.Args
			return nil, nil
		})

	actionID, failed := node.CreateAction("open_ended", map[string]any{"anything": "goes"})
	require.Nil(t, failed)
	result, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, result.Status)
	assert.Equal(t, "goes", seen["anything"])
}

func TestNode_FileArguments(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	var gotContent string
	node.RegisterAction(types.ActionDefinition{
		Name:  "run_protocol",
		Files: []types.FileArgumentDefinition{{Name: "protocol", Required: true}},
	}, func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
		data, err := os.ReadFile(req.Files["protocol"])
		if err != nil {
			return nil, err
		}
		gotContent = string(data)
		return nil, nil
	})

	// Starting without the required file fails the action.
	actionID, failed := node.CreateAction("run_protocol", nil)
	require.Nil(t, failed)
	result, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, result.Status)
	assert.Equal(t, types.ErrActionMissingFile, result.Errors[0].ErrorType)

	// Upload then start.
	actionID, failed = node.CreateAction("run_protocol", nil)
	require.Nil(t, failed)
	require.NoError(t, node.UploadFile(actionID, "protocol", strings.NewReader("aspirate 10"), "proto.txt"))
	result, err = node.StartAction(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, result.Status)
	assert.Equal(t, "aspirate 10", gotContent)

	// Undeclared file argument is rejected at upload.
	actionID, _ = node.CreateAction("run_protocol", nil)
	assert.Error(t, node.UploadFile(actionID, "notes", strings.NewReader("x"), "notes.txt"))
}

func TestNode_BlockingActionSetsBusy(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	started := make(chan struct{})
	release := make(chan struct{})
	node.RegisterAction(types.ActionDefinition{Name: "long_move", Blocking: true},
		func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
			close(started)
			<-release
			return nil, nil
		})

	blockingID, failed := node.CreateAction("long_move", nil)
	require.Nil(t, failed)

	done := make(chan *types.ActionResult, 1)
	go func() {
		result, err := node.StartAction(context.Background(), blockingID)
		require.NoError(t, err)
		done <- result
	}()
	<-started
	assert.True(t, node.Status().Busy)

	// A second start is rejected while the blocking action runs.
	otherID, failed := node.CreateAction("measure", map[string]any{"position": "B2"})
	require.Nil(t, failed)
	_, err := node.StartAction(context.Background(), otherID)
	assert.ErrorIs(t, err, ErrNodeBusy)

	close(release)
	result := <-done
	assert.Equal(t, types.ActionSucceeded, result.Status)
	assert.False(t, node.Status().Busy)

	// The rejected action can run once the node frees up.
	result, err = node.StartAction(context.Background(), otherID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, result.Status)
}

func TestNode_HandlerPanicMarksErrored(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	node.RegisterAction(types.ActionDefinition{Name: "explode"},
		func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
			panic("firmware fault")
		})

	actionID, failed := node.CreateAction("explode", nil)
	require.Nil(t, failed)
	result, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, result.Status)
	assert.Contains(t, result.Errors[0].Message, "firmware fault")

	status := node.Status()
	assert.True(t, status.Errored)
	assert.False(t, status.CanAcceptAction())
}

func TestNode_HandlerErrorMarksErrored(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	node.RegisterAction(types.ActionDefinition{Name: "jam"},
		func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
			return nil, fmt.Errorf("gripper jammed")
		})

	actionID, _ := node.CreateAction("jam", nil)
	result, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, result.Status)
	assert.True(t, node.Status().Errored)

	// Reset clears the error state.
	resp := node.RunAdminCommand(context.Background(), types.AdminReset)
	assert.True(t, resp.Success)
	assert.False(t, node.Status().Errored)
}

func TestNode_AdminCommands(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	resp := node.RunAdminCommand(context.Background(), types.AdminPause)
	assert.True(t, resp.Success)
	assert.True(t, node.Status().Paused)
	assert.False(t, node.Status().Ready)

	resp = node.RunAdminCommand(context.Background(), types.AdminResume)
	assert.True(t, resp.Success)
	assert.False(t, node.Status().Paused)

	resp = node.RunAdminCommand(context.Background(), types.AdminLock)
	assert.True(t, resp.Success)
	assert.True(t, node.Status().Locked)
	resp = node.RunAdminCommand(context.Background(), types.AdminUnlock)
	assert.True(t, resp.Success)

	resp = node.RunAdminCommand(context.Background(), types.AdminSafetyStop)
	assert.True(t, resp.Success)
	assert.True(t, node.Status().Stopped)

	// Outside the fixed vocabulary.
	resp = node.RunAdminCommand(context.Background(), types.AdminCommand("defragment"))
	assert.False(t, resp.Success)
	assert.Equal(t, types.ErrAdminCommandNotImplemented, resp.Errors[0].ErrorType)

	// In the vocabulary but not registered by this node.
	resp = node.RunAdminCommand(context.Background(), types.AdminShutdown)
	assert.False(t, resp.Success)
	assert.Equal(t, types.ErrAdminCommandNotImplemented, resp.Errors[0].ErrorType)
}

func TestNode_SetConfig(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	resp := node.SetConfig(map[string]any{"speed": 2.5, "bogus": true})
	assert.True(t, resp.Accepted["speed"])
	assert.False(t, resp.Accepted["bogus"])
	assert.False(t, resp.ResetRequired)
	assert.Equal(t, 2.5, node.Info().ConfigValues["speed"])
	_, kept := node.Info().ConfigValues["bogus"]
	assert.False(t, kept)

	resp = node.SetConfig(map[string]any{"port": "/dev/ttyUSB1"})
	assert.True(t, resp.Accepted["port"])
	assert.True(t, resp.ResetRequired)
}

func TestNode_ResultFilePath(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.log")
	require.NoError(t, os.WriteFile(logPath, []byte("done"), 0o644))

	node.RegisterAction(types.ActionDefinition{
		Name:    "log_run",
		Results: []types.ResultDefinition{{Label: "log", Type: "file"}},
	}, func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error) {
		result := types.Succeeded(req.ActionID)
		result.Files["log"] = logPath
		return result, nil
	})

	actionID, _ := node.CreateAction("log_run", nil)
	_, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)

	path, err := node.ResultFilePath(actionID, "log")
	require.NoError(t, err)
	assert.Equal(t, logPath, path)

	_, err = node.ResultFilePath(actionID, "missing")
	assert.Error(t, err)
}

func TestNode_EventLog(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()

	node.LogEvent("door_opened", map[string]any{"bay": 2})
	actionID, _ := node.CreateAction("measure", map[string]any{"position": "A1"})
	_, err := node.StartAction(context.Background(), actionID)
	require.NoError(t, err)

	log := node.Log()
	var sawDoor, sawCompletion bool
	for _, event := range log {
		switch event.EventType {
		case "door_opened":
			sawDoor = true
		case "action_completed":
			sawCompletion = true
			assert.Equal(t, actionID, event.Data["action_id"])
		}
	}
	assert.True(t, sawDoor)
	assert.True(t, sawCompletion)
}
