package nodecore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/madsci/workcell/common/types"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ActionHandler executes one action. Args carry validated values with
// defaults applied; Files carry staged local paths. The handler either
// returns a result or an error; errors mark the node errored.
type ActionHandler func(ctx context.Context, req *types.ActionRequest) (*types.ActionResult, error)

// AdminHandler executes one admin command.
type AdminHandler func(ctx context.Context) error

// StateHandler produces the node's free-form instrument state snapshot.
type StateHandler func(ctx context.Context) (map[string]any, error)

// pendingAction is the runtime record of one action request.
type pendingAction struct {
	request *types.ActionRequest
	def     types.ActionDefinition
	status  types.ActionStatus
	result  *types.ActionResult
	created time.Time
}

// NodeOpts configures a Node.
type NodeOpts struct {
	NodeName      string
	ModuleName    string
	ModuleVersion string
	Logger        Logger
	// UploadDir stages uploaded action files. Defaults to the OS temp dir.
	UploadDir string
	// StatusInterval / StateInterval drive the background refreshers.
	StatusInterval time.Duration
	StateInterval  time.Duration
	// ConfigValues seeds the accepted configuration keys; SetConfig rejects
	// keys outside this set.
	ConfigValues map[string]any
	// ResetRequiredKeys lists config keys whose change requires a reset.
	ResetRequiredKeys []string
	// StateHandler refreshes the instrument state snapshot. Optional.
	StateHandler StateHandler
}

// Node is the runtime every instrument adapter embeds. It implements the
// node contract: declarative action registration, the three-phase request
// lifecycle, admin commands, and status/state reporting.
type Node struct {
	mu sync.Mutex

	info    types.NodeInfo
	status  types.NodeStatus
	state   map[string]any
	actions map[string]*pendingAction

	handlers      map[string]ActionHandler
	adminHandlers map[types.AdminCommand]AdminHandler
	stateHandler  StateHandler

	events    map[string]types.Event
	eventIDs  []string
	resetKeys map[string]bool

	logger         Logger
	uploadDir      string
	statusInterval time.Duration
	stateInterval  time.Duration
}

const maxEvents = 1000

// NewNode creates a node runtime. Built-in handlers for the pause, resume,
// lock, unlock, reset, cancel and safety_stop admin commands are registered;
// adapters may override or add shutdown via RegisterAdminCommand.
func NewNode(opts NodeOpts) *Node {
	uploadDir := opts.UploadDir
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "node_"+opts.NodeName)
	}
	statusInterval := opts.StatusInterval
	if statusInterval <= 0 {
		statusInterval = 5 * time.Second
	}
	stateInterval := opts.StateInterval
	if stateInterval <= 0 {
		stateInterval = 5 * time.Second
	}
	configValues := opts.ConfigValues
	if configValues == nil {
		configValues = map[string]any{}
	}

	n := &Node{
		info: types.NodeInfo{
			NodeID:   types.NewID(),
			NodeName: opts.NodeName,
			Module: types.ModuleInfo{
				Name:    opts.ModuleName,
				Version: opts.ModuleVersion,
			},
			Capabilities: types.NodeClientCapabilities{
				GetInfo:           true,
				GetStatus:         true,
				GetState:          true,
				SendAction:        true,
				GetActionResult:   true,
				ActionFiles:       true,
				SendAdminCommands: true,
				SetConfig:         true,
				GetLog:            true,
			},
			Actions:      map[string]types.ActionDefinition{},
			ConfigValues: configValues,
		},
		status: types.NodeStatus{
			Initializing:     true,
			RunningActions:   map[string]bool{},
			WaitingForConfig: map[string]bool{},
		},
		state:          map[string]any{},
		actions:        map[string]*pendingAction{},
		handlers:       map[string]ActionHandler{},
		adminHandlers:  map[types.AdminCommand]AdminHandler{},
		stateHandler:   opts.StateHandler,
		events:         map[string]types.Event{},
		resetKeys:      map[string]bool{},
		logger:         opts.Logger,
		uploadDir:      uploadDir,
		statusInterval: statusInterval,
		stateInterval:  stateInterval,
	}
	for _, key := range opts.ResetRequiredKeys {
		n.resetKeys[key] = true
	}
	n.registerBuiltinAdminHandlers()
	n.status.Refresh()
	return n
}

// RegisterAction declares an action schema and binds its handler. The
// declarative definition is exactly what crosses the wire in NodeInfo.
func (n *Node) RegisterAction(def types.ActionDefinition, handler ActionHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.info.Actions[def.Name] = def
	n.handlers[def.Name] = handler
}

// RegisterAdminCommand declares support for an admin command.
func (n *Node) RegisterAdminCommand(cmd types.AdminCommand, handler AdminHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adminHandlers[cmd] = handler
	for _, existing := range n.info.AdminCommands {
		if existing == cmd {
			return
		}
	}
	n.info.AdminCommands = append(n.info.AdminCommands, cmd)
}

func (n *Node) registerBuiltinAdminHandlers() {
	set := func(mutate func(*types.NodeStatus)) AdminHandler {
		return func(ctx context.Context) error {
			n.mu.Lock()
			defer n.mu.Unlock()
			mutate(&n.status)
			n.status.Refresh()
			return nil
		}
	}
	builtins := map[types.AdminCommand]AdminHandler{
		types.AdminPause:      set(func(s *types.NodeStatus) { s.Paused = true }),
		types.AdminResume:     set(func(s *types.NodeStatus) { s.Paused = false }),
		types.AdminLock:       set(func(s *types.NodeStatus) { s.Locked = true }),
		types.AdminUnlock:     set(func(s *types.NodeStatus) { s.Locked = false }),
		types.AdminSafetyStop: set(func(s *types.NodeStatus) { s.Stopped = true }),
		types.AdminReset: set(func(s *types.NodeStatus) {
			s.Errored = false
			s.Errors = nil
			s.Stopped = false
			s.Paused = false
			s.Busy = false
			s.RunningActions = map[string]bool{}
		}),
		types.AdminCancel: set(func(s *types.NodeStatus) {
			// Best-effort: drop the running-action markers; handlers observe
			// cancellation through their contexts.
			s.Busy = false
			s.RunningActions = map[string]bool{}
		}),
	}
	for cmd, handler := range builtins {
		n.adminHandlers[cmd] = handler
		n.info.AdminCommands = append(n.info.AdminCommands, cmd)
	}
}

// MarkReady clears the initializing flag once the adapter finishes setup.
func (n *Node) MarkReady() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.Initializing = false
	n.status.Refresh()
}

// Info returns the node's self-description.
func (n *Node) Info() *types.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := n.info
	return &info
}

// Status returns a refreshed copy of the node's status.
func (n *Node) Status() *types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.Refresh()
	status := n.status
	return &status
}

// State returns the latest instrument state snapshot.
func (n *Node) State() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]any, len(n.state))
	for k, v := range n.state {
		out[k] = v
	}
	return out
}

// Log returns the node's recent events keyed by event ID.
func (n *Node) Log() map[string]types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]types.Event, len(n.events))
	for k, v := range n.events {
		out[k] = v
	}
	return out
}

// LogEvent appends an event to the node log.
func (n *Node) LogEvent(eventType string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appendEventLocked(eventType, data)
}

func (n *Node) appendEventLocked(eventType string, data map[string]any) {
	event := types.Event{
		EventID:   types.NewID(),
		EventType: eventType,
		Timestamp: types.Now(),
		Data:      data,
	}
	n.events[event.EventID] = event
	n.eventIDs = append(n.eventIDs, event.EventID)
	for len(n.eventIDs) > maxEvents {
		delete(n.events, n.eventIDs[0])
		n.eventIDs = n.eventIDs[1:]
	}
}

// SetConfig applies a partial config. Keys outside the declared set are
// rejected; accepted keys flag a reset when the adapter declared them
// reset-required.
func (n *Node) SetConfig(config map[string]any) *types.NodeSetConfigResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	resp := &types.NodeSetConfigResponse{Accepted: map[string]bool{}}
	for key, value := range config {
		if _, known := n.info.ConfigValues[key]; !known {
			resp.Accepted[key] = false
			continue
		}
		n.info.ConfigValues[key] = value
		resp.Accepted[key] = true
		delete(n.status.WaitingForConfig, key)
		if n.resetKeys[key] {
			resp.ResetRequired = true
		}
	}
	n.status.Refresh()
	return resp
}

// RunAdminCommand executes an admin command. Undeclared commands fail with
// AdminCommandNotImplemented.
func (n *Node) RunAdminCommand(ctx context.Context, cmd types.AdminCommand) *types.AdminCommandResponse {
	if !types.AdminCommands[cmd] {
		return &types.AdminCommandResponse{
			Errors: []types.Error{types.NewError(types.ErrAdminCommandNotImplemented, "unknown admin command %q", cmd)},
		}
	}
	n.mu.Lock()
	handler, ok := n.adminHandlers[cmd]
	n.mu.Unlock()
	if !ok {
		return &types.AdminCommandResponse{
			Errors: []types.Error{types.NewError(types.ErrAdminCommandNotImplemented, "admin command %q not supported by this node", cmd)},
		}
	}
	if err := handler(ctx); err != nil {
		return &types.AdminCommandResponse{
			Errors: []types.Error{types.ErrorFrom(types.ErrInternal, err)},
		}
	}
	n.LogEvent("admin_command", map[string]any{"command": string(cmd)})
	return &types.AdminCommandResponse{Success: true}
}

// CreateAction validates an action request and records it pending. On
// validation failure the failed result is recorded under the returned ID so
// GetResult stays consistent, and the result is returned alongside a nil
// error. Validation failures do not mark the node errored.
func (n *Node) CreateAction(actionName string, args map[string]any) (string, *types.ActionResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	actionID := types.NewID()
	def, known := n.info.Actions[actionName]
	pending := &pendingAction{
		request: &types.ActionRequest{
			ActionID:   actionID,
			ActionName: actionName,
			Args:       map[string]any{},
			Files:      map[string]string{},
		},
		def:     def,
		status:  types.ActionNotStarted,
		created: time.Now(),
	}
	n.actions[actionID] = pending

	if !known {
		return actionID, n.failPendingLocked(pending,
			types.NewError(types.ErrActionNotImplemented, "action %q is not implemented by node %s", actionName, n.info.NodeName))
	}

	for _, argDef := range def.Args {
		value, provided := args[argDef.Name]
		if !provided {
			if argDef.Required {
				return actionID, n.failPendingLocked(pending,
					types.NewError(types.ErrActionMissingArgument, "required argument %q not provided", argDef.Name))
			}
			if argDef.Default != nil {
				pending.request.Args[argDef.Name] = argDef.Default
			}
			continue
		}
		pending.request.Args[argDef.Name] = value
	}
	// Pass through extra args untouched; handlers may accept open-ended maps.
	for name, value := range args {
		if _, declared := def.Arg(name); !declared {
			pending.request.Args[name] = value
		}
	}
	return actionID, nil
}

// failPendingLocked records a failed result on a pending action. Does not
// set the node's errored flag.
func (n *Node) failPendingLocked(pending *pendingAction, errs ...types.Error) *types.ActionResult {
	result := types.Failed(pending.request.ActionID, errs...)
	pending.status = types.ActionFailed
	pending.result = result
	return result
}

// UploadFile stages one file argument for a pending action.
func (n *Node) UploadFile(actionID, argName string, src io.Reader, filename string) error {
	n.mu.Lock()
	pending, ok := n.actions[actionID]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown action: %s", actionID)
	}

	declared := false
	for _, fileDef := range pending.def.Files {
		if fileDef.Name == argName {
			declared = true
			break
		}
	}
	if !declared {
		return fmt.Errorf("action %q declares no file argument %q", pending.request.ActionName, argName)
	}

	dir := filepath.Join(n.uploadDir, actionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(dir, filepath.Base(filename))
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return err
	}

	n.mu.Lock()
	pending.request.Files[argName] = dest
	n.mu.Unlock()
	return nil
}

// ErrNodeBusy rejects starts while a blocking action runs.
var ErrNodeBusy = fmt.Errorf("node is busy with a blocking action")

// StartAction runs a pending action to completion and returns its result.
// Blocking actions set busy for their duration; while busy the node rejects
// every new start.
func (n *Node) StartAction(ctx context.Context, actionID string) (*types.ActionResult, error) {
	n.mu.Lock()
	pending, ok := n.actions[actionID]
	if !ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("unknown action: %s", actionID)
	}
	if pending.result != nil {
		// Validation already failed at create or the action already ran.
		result := pending.result
		n.mu.Unlock()
		return result, nil
	}
	if n.status.Busy {
		n.mu.Unlock()
		return nil, ErrNodeBusy
	}

	for _, fileDef := range pending.def.Files {
		if _, staged := pending.request.Files[fileDef.Name]; !staged && fileDef.Required {
			result := n.failPendingLocked(pending,
				types.NewError(types.ErrActionMissingFile, "required file %q not provided", fileDef.Name))
			n.mu.Unlock()
			return result, nil
		}
	}

	handler := n.handlers[pending.request.ActionName]
	pending.status = types.ActionRunning
	n.status.RunningActions[actionID] = true
	if pending.def.Blocking {
		n.status.Busy = true
	}
	n.status.Refresh()
	n.mu.Unlock()

	result := n.runHandler(ctx, handler, pending)

	n.mu.Lock()
	delete(n.status.RunningActions, actionID)
	if pending.def.Blocking {
		n.status.Busy = false
	}
	pending.result = result
	pending.status = result.Status
	n.status.Refresh()
	n.appendEventLocked("action_completed", map[string]any{
		"action_id":   actionID,
		"action_name": pending.request.ActionName,
		"status":      string(result.Status),
	})
	n.mu.Unlock()
	return result, nil
}

// runHandler invokes the handler with panic recovery. Handler errors and
// panics mark the node errored; controlled failures returned as results do
// not.
func (n *Node) runHandler(ctx context.Context, handler ActionHandler, pending *pendingAction) (result *types.ActionResult) {
	actionID := pending.request.ActionID
	defer func() {
		if r := recover(); r != nil {
			err := types.NewError(types.ErrActionFailed, "panic in action handler: %v", r)
			n.recordNodeError(err)
			result = types.Failed(actionID, err)
		}
	}()

	res, err := handler(ctx, pending.request)
	if err != nil {
		envelope := types.ErrorFrom(types.ErrActionFailed, err)
		n.recordNodeError(envelope)
		return types.Failed(actionID, envelope)
	}
	if res == nil {
		res = types.Succeeded(actionID)
	}
	res.ActionID = actionID
	if res.Status == "" {
		res.Status = types.ActionSucceeded
	}
	return res
}

func (n *Node) recordNodeError(err types.Error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.Errored = true
	n.status.Errors = append(n.status.Errors, err)
	n.status.Refresh()
	if n.logger != nil {
		n.logger.Error("action handler failed", "error", err.Message)
	}
}

// GetResult returns the recorded result for an action, or a non-terminal
// placeholder while it runs.
func (n *Node) GetResult(actionID string) (*types.ActionResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending, ok := n.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("unknown action: %s", actionID)
	}
	if pending.result != nil {
		return pending.result, nil
	}
	return &types.ActionResult{ActionID: actionID, Status: pending.status}, nil
}

// GetActionStatus returns the lifecycle status of an action.
func (n *Node) GetActionStatus(actionID string) (types.ActionStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending, ok := n.actions[actionID]
	if !ok {
		return types.ActionUnknown, fmt.Errorf("unknown action: %s", actionID)
	}
	return pending.status, nil
}

// ResultFilePath resolves a file produced by a finished action by its
// result label.
func (n *Node) ResultFilePath(actionID, label string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending, ok := n.actions[actionID]
	if !ok || pending.result == nil {
		return "", fmt.Errorf("no result for action: %s", actionID)
	}
	path, ok := pending.result.Files[label]
	if !ok {
		return "", fmt.Errorf("no file labeled %q in result for action %s", label, actionID)
	}
	return path, nil
}

// StartBackgroundHandlers runs the periodic status and state refreshers
// until the context ends. Both are crash-safe: a panic is logged and the
// ticker continues.
func (n *Node) StartBackgroundHandlers(ctx context.Context) {
	go n.runTicker(ctx, "status", n.statusInterval, func(ctx context.Context) error {
		n.mu.Lock()
		n.status.Refresh()
		n.mu.Unlock()
		return nil
	})
	go n.runTicker(ctx, "state", n.stateInterval, func(ctx context.Context) error {
		if n.stateHandler == nil {
			return nil
		}
		state, err := n.stateHandler(ctx)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.state = state
		n.mu.Unlock()
		return nil
	})
}

func (n *Node) runTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil && n.logger != nil {
						n.logger.Error("periodic handler panicked", "handler", name, "panic", fmt.Sprint(r))
					}
				}()
				if err := fn(ctx); err != nil && n.logger != nil {
					n.logger.Warn("periodic handler failed", "handler", name, "error", err)
				}
			}()
		}
	}
}
