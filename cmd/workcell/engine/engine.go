package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/madsci/workcell/cmd/workcell/resolver"
	"github.com/madsci/workcell/cmd/workcell/state"
	"github.com/madsci/workcell/common/clients"
	"github.com/madsci/workcell/common/telemetry"
	"github.com/madsci/workcell/common/types"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ClientFactory builds a node client for a node URL. Swapped for a fake in
// tests.
type ClientFactory func(nodeURL string) clients.NodeClient

// Engine executes workflow steps end to end: it resolves placeholders,
// stages file inputs, dispatches the action to the node, promotes produced
// data and files to datapoints, applies feed-forward bindings and advances
// the workflow cursor.
type Engine struct {
	state      *state.Handler
	resolver   *resolver.Resolver
	datapoints clients.DatapointClient
	clientFor  ClientFactory
	telemetry  *telemetry.Telemetry
	logger     Logger

	defaultTimeout time.Duration
	stagingDir     string
}

// Opts configures an Engine.
type Opts struct {
	State      *state.Handler
	Resolver   *resolver.Resolver
	Datapoints clients.DatapointClient
	ClientFor  ClientFactory
	Telemetry  *telemetry.Telemetry
	Logger     Logger
	// DefaultStepTimeout bounds steps that declare no timeout of their own.
	DefaultStepTimeout time.Duration
	// StagingDir receives file inputs downloaded from the datapoint store.
	StagingDir string
}

// New creates an execution engine.
func New(opts Opts) *Engine {
	timeout := opts.DefaultStepTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	stagingDir := opts.StagingDir
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "workcell_staging")
	}
	return &Engine{
		state:          opts.State,
		resolver:       opts.Resolver,
		datapoints:     opts.Datapoints,
		clientFor:      opts.ClientFor,
		telemetry:      opts.Telemetry,
		logger:         opts.Logger,
		defaultTimeout: timeout,
		stagingDir:     stagingDir,
	}
}

// RunNextStep executes the current step of a workflow. The scheduler calls
// this once it decided the workflow is ready; the engine owns every state
// transition from there until the workflow is requeued or terminal.
func (e *Engine) RunNextStep(ctx context.Context, workflowID string) error {
	wf, err := e.markRunning(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf == nil {
		// Nothing to run: cancelled, paused or already terminal.
		return nil
	}

	stepIndex := wf.Status.CurrentStepIndex
	step := wf.CurrentStep()

	// Reconcile a step left UNKNOWN by a restart before dispatching again.
	if step.Status == types.ActionUnknown && step.Result != nil && step.Result.ActionID != "" {
		if result := e.reconcile(ctx, wf, step); result != nil {
			return e.finalizeStep(ctx, workflowID, stepIndex, result)
		}
	}

	result := e.runStep(ctx, wf, step)
	return e.finalizeStep(ctx, workflowID, stepIndex, result)
}

// markRunning transitions a queued workflow to running and stamps the start
// time. Returns nil when the workflow should not run.
func (e *Engine) markRunning(ctx context.Context, workflowID string) (*types.Workflow, error) {
	skipped := false
	wf, err := e.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		if w.Status.Terminal() || w.Status.Paused || w.Status.Running {
			skipped = true
			return nil
		}
		if w.CurrentStep() == nil {
			skipped = true
			w.Status.Queued = false
			w.Status.Completed = true
			return nil
		}
		w.Status.Queued = false
		w.Status.Running = true
		if w.StartTime == nil {
			now := types.Now()
			w.StartTime = &now
		}
		step := w.CurrentStep()
		if step.Status == types.ActionNotStarted {
			step.Status = types.ActionRunning
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped {
		return nil, nil
	}
	return wf, nil
}

// runStep resolves, stages and dispatches one step, returning its terminal
// result. Failures outside the node map to failed or unknown results rather
// than errors so finalizeStep sees every outcome.
func (e *Engine) runStep(ctx context.Context, wf *types.Workflow, step *types.Step) *types.ActionResult {
	args, fileRefs, nodeName, err := e.resolver.ResolveStep(wf, step)
	if err != nil {
		return types.Failed("", types.ErrorFrom(types.ErrValidation, err))
	}

	if err := e.resolveLocations(ctx, args, step, nodeName); err != nil {
		return types.Failed("", types.ErrorFrom(types.ErrValidation, err))
	}

	entry, found, err := e.state.GetNode(ctx, nodeName)
	if err != nil {
		return types.Failed("", types.ErrorFrom(types.ErrInternal, err))
	}
	if !found {
		return types.Failed("", types.NewError(types.ErrUnknownNode, "step %q targets unknown node %q", step.Name, nodeName))
	}

	files, err := e.stageFiles(ctx, wf.WorkflowID, fileRefs)
	if err != nil {
		return types.Failed("", types.ErrorFrom(types.ErrInternal, err))
	}

	req := &types.ActionRequest{
		ActionName: step.Action,
		Args:       args,
		Files:      files,
	}
	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	client := e.clientFor(entry.NodeURL)
	if e.telemetry != nil {
		e.telemetry.StepsDispatched.Inc()
	}
	e.logger.Info("dispatching step",
		"workflow_id", wf.WorkflowID,
		"step", step.Name,
		"node", nodeName,
		"action", step.Action,
	)

	result, err := client.SendAction(ctx, req, true, timeout)
	if err != nil {
		// A step that outlives its timeout is a definite failure, not a
		// transport mystery.
		if errors.Is(err, clients.ErrAwaitTimeout) {
			return &types.ActionResult{
				ActionID: req.ActionID,
				Status:   types.ActionFailed,
				Errors: []types.Error{types.NewError(types.ErrStepTimeout,
					"step %q did not finish within %s", step.Name, timeout)},
			}
		}
		// One reconciliation attempt, then give up with UNKNOWN so a human
		// or a retry can sort out what the node actually did.
		if req.ActionID != "" {
			if recovered, rerr := client.GetActionResult(ctx, req.ActionID); rerr == nil && recovered.Status.Terminal() {
				return recovered
			}
		}
		e.logger.Error("step dispatch failed", "workflow_id", wf.WorkflowID, "step", step.Name, "error", err)
		return &types.ActionResult{
			ActionID: req.ActionID,
			Status:   types.ActionUnknown,
			Errors:   []types.Error{types.ErrorFrom(types.ErrTransport, err)},
		}
	}

	if err := e.promoteDataAndFiles(ctx, step, result); err != nil {
		result.Errors = append(result.Errors, types.ErrorFrom(types.ErrInternal, err))
		result.Status = types.ActionFailed
	}
	return result
}

// reconcile asks the node once for the result of an action the manager lost
// track of. Returns nil when the node cannot settle it.
func (e *Engine) reconcile(ctx context.Context, wf *types.Workflow, step *types.Step) *types.ActionResult {
	entry, found, err := e.state.GetNode(ctx, step.Node)
	if err != nil || !found {
		return nil
	}
	client := e.clientFor(entry.NodeURL)
	result, err := client.GetActionResult(ctx, step.Result.ActionID)
	if err != nil || !result.Status.Terminal() {
		return nil
	}
	e.logger.Info("reconciled orphaned step",
		"workflow_id", wf.WorkflowID,
		"step", step.Name,
		"status", string(result.Status),
	)
	if perr := e.promoteDataAndFiles(ctx, step, result); perr != nil {
		result.Errors = append(result.Errors, types.ErrorFrom(types.ErrInternal, perr))
		result.Status = types.ActionFailed
	}
	return result
}

// resolveLocations substitutes location references with the representation
// registered for the target node.
func (e *Engine) resolveLocations(ctx context.Context, args map[string]any, step *types.Step, nodeName string) error {
	for arg, locationID := range step.Locations {
		loc, found, err := e.state.GetLocation(ctx, locationID)
		if err != nil {
			return err
		}
		if !found {
			return types.NewError(types.ErrValidation, "step %q references unknown location %q", step.Name, locationID)
		}
		representation, ok := loc.Representations[nodeName]
		if !ok {
			return types.NewError(types.ErrValidation,
				"location %q has no representation for node %q", loc.Name, nodeName)
		}
		args[arg] = representation
	}
	return nil
}

// stageFiles materializes file bindings as local paths. Datapoint IDs are
// downloaded; anything else is treated as an already-local path.
func (e *Engine) stageFiles(ctx context.Context, workflowID string, refs map[string]string) (map[string]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	dir := filepath.Join(e.stagingDir, workflowID)
	files := make(map[string]string, len(refs))
	for arg, ref := range refs {
		if _, err := os.Stat(ref); err == nil {
			files[arg] = ref
			continue
		}
		dest := filepath.Join(dir, arg)
		if err := e.datapoints.SaveFile(ctx, ref, dest); err != nil {
			return nil, fmt.Errorf("failed to stage file %q from datapoint %s: %w", arg, ref, err)
		}
		files[arg] = dest
	}
	return files, nil
}

// promoteDataAndFiles pushes step outputs into the datapoint store. Files
// always promote; data values promote when the step labels them.
func (e *Engine) promoteDataAndFiles(ctx context.Context, step *types.Step, result *types.ActionResult) error {
	if result.Datapoints == nil && (len(result.Files) > 0 || len(result.Data) > 0) {
		result.Datapoints = map[string]string{}
	}

	for key, path := range result.Files {
		label := key
		if mapped, ok := step.DataLabels[key]; ok {
			label = mapped
		}
		id, err := e.datapoints.CreateFile(ctx, label, path)
		if err != nil {
			return fmt.Errorf("failed to promote file %q: %w", key, err)
		}
		result.Datapoints[label] = id
	}

	for key, value := range result.Data {
		label, ok := step.DataLabels[key]
		if !ok {
			continue
		}
		id, err := e.datapoints.CreateValue(ctx, label, value)
		if err != nil {
			return fmt.Errorf("failed to promote value %q: %w", key, err)
		}
		result.Datapoints[label] = id
	}
	return nil
}

// finalizeStep records the step outcome and moves the workflow forward:
// succeeded steps apply feed-forward and advance the cursor, failures and
// unknowns stop the workflow, and a cancellation requested mid-step wins
// over everything else.
func (e *Engine) finalizeStep(ctx context.Context, workflowID string, stepIndex int, result *types.ActionResult) error {
	requeue := false
	wf, err := e.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		step := &w.Steps[stepIndex]
		step.Result = result
		step.Status = result.Status
		w.Status.Running = false

		if w.Status.Cancelled {
			// A cancellation requested mid-step finalizes the step as
			// cancelled; the node's actual outcome stays in the result.
			step.Status = types.ActionCancelled
			return nil
		}

		switch result.Status {
		case types.ActionSucceeded:
			if err := e.resolver.ApplyFeedForward(ctx, w, stepIndex); err != nil {
				step.Status = types.ActionFailed
				step.Result.Status = types.ActionFailed
				step.Result.Errors = append(step.Result.Errors, types.ErrorFrom(types.ErrValidation, err))
				w.Status.Failed = true
				return nil
			}
			w.Status.CurrentStepIndex++
			if w.Status.CurrentStepIndex >= len(w.Steps) {
				w.Status.Completed = true
			} else if w.Status.Paused {
				// Stay parked; the resume handler requeues.
			} else {
				w.Status.Queued = true
				requeue = true
			}
		case types.ActionCancelled:
			w.Status.Cancelled = true
		case types.ActionNotReady:
			// The node declined the step; park it back on the queue with the
			// cursor where it was so the scheduler tries again later.
			step.Status = types.ActionNotStarted
			w.SchedulerMetadata.ReadyToRun = false
			w.SchedulerMetadata.Reason = "node was not ready for the step"
			if !w.Status.Paused {
				w.Status.Queued = true
				requeue = true
			}
		default:
			// FAILED, UNKNOWN and anything non-terminal that leaked through.
			w.Status.Failed = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if requeue {
		if err := e.state.Requeue(ctx, workflowID); err != nil {
			return err
		}
	}

	if e.telemetry != nil {
		switch {
		case wf.Status.Completed:
			e.telemetry.WorkflowsCompleted.Inc()
		case wf.Status.Failed:
			e.telemetry.WorkflowsFailed.Inc()
		case wf.Status.Cancelled:
			e.telemetry.WorkflowsCancelled.Inc()
		}
	}

	e.logger.Info("step finalized",
		"workflow_id", workflowID,
		"step_index", stepIndex,
		"step_status", string(result.Status),
		"workflow_status", wf.Status.Description,
	)
	return nil
}

// RetryWorkflow resets a finished workflow from the given step index and
// requeues it. Steps at and after the index return to NOT_STARTED with their
// results cleared.
func (e *Engine) RetryWorkflow(ctx context.Context, workflowID string, fromIndex int) error {
	_, err := e.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		if !w.Status.Terminal() {
			return types.NewError(types.ErrValidation, "workflow %s is still in progress", workflowID)
		}
		if fromIndex < 0 || fromIndex >= len(w.Steps) {
			return types.NewError(types.ErrValidation, "retry index %d out of range", fromIndex)
		}
		if fromIndex > w.Status.CurrentStepIndex {
			return types.NewError(types.ErrValidation,
				"retry index %d is past the failure point %d", fromIndex, w.Status.CurrentStepIndex)
		}
		for i := fromIndex; i < len(w.Steps); i++ {
			w.Steps[i].Status = types.ActionNotStarted
			w.Steps[i].Result = nil
		}
		w.Status.Failed = false
		w.Status.Cancelled = false
		w.Status.Completed = false
		w.Status.CurrentStepIndex = fromIndex
		w.Status.Queued = true
		w.EndTime = nil
		return nil
	})
	if err != nil {
		return err
	}
	return e.state.Requeue(ctx, workflowID)
}
