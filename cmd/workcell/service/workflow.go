package service

import (
	"context"

	"github.com/madsci/workcell/cmd/workcell/engine"
	"github.com/madsci/workcell/cmd/workcell/resolver"
	"github.com/madsci/workcell/cmd/workcell/state"
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

// WorkflowService is the control plane's entry point for workflow lifecycle
// operations: submission, pause/resume, cancellation and retry.
type WorkflowService struct {
	state     *state.Handler
	resolver  *resolver.Resolver
	engine    *engine.Engine
	telemetry *telemetry.Telemetry
	logger    Logger
}

// NewWorkflowService creates a workflow service.
func NewWorkflowService(stateHandler *state.Handler, res *resolver.Resolver, eng *engine.Engine, tel *telemetry.Telemetry, logger Logger) *WorkflowService {
	return &WorkflowService{
		state:     stateHandler,
		resolver:  res,
		engine:    eng,
		telemetry: tel,
		logger:    logger,
	}
}

// SubmitOpts carries everything a submission needs besides the definition.
type SubmitOpts struct {
	JSONInputs map[string]any
	// FileInputs maps file parameter keys to local paths already staged by
	// the transport layer.
	FileInputs map[string]string
	Ownership  types.Ownership
	Priority   int
	// ValidateOnly runs validation and parameter binding without persisting
	// or queueing anything.
	ValidateOnly bool
}

// Submit validates a definition, materializes a workflow from it, binds its
// parameters and queues it.
func (s *WorkflowService) Submit(ctx context.Context, def *types.WorkflowDefinition, opts SubmitOpts) (*types.Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	wf := types.NewWorkflow(def, opts.Ownership, opts.Priority)
	if err := s.resolver.BindSubmission(ctx, wf, opts.JSONInputs, opts.FileInputs); err != nil {
		return nil, err
	}

	if opts.ValidateOnly {
		wf.Status.Initializing = false
		return wf, nil
	}

	if err := s.state.SubmitWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if s.telemetry != nil {
		s.telemetry.WorkflowsSubmitted.Inc()
	}
	return wf, nil
}

// Get fetches a workflow.
func (s *WorkflowService) Get(ctx context.Context, workflowID string) (*types.Workflow, error) {
	return s.state.GetWorkflow(ctx, workflowID)
}

// List returns workflows, optionally including archived ones.
func (s *WorkflowService) List(ctx context.Context, includeArchived bool) ([]*types.Workflow, error) {
	return s.state.ListWorkflows(ctx, includeArchived)
}

// Queue returns the queued workflow IDs in order.
func (s *WorkflowService) Queue(ctx context.Context) ([]string, error) {
	return s.state.Queue(ctx)
}

// Pause stops a workflow from dispatching further steps. A step already in
// flight finishes first.
func (s *WorkflowService) Pause(ctx context.Context, workflowID string) (*types.Workflow, error) {
	return s.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		if w.Status.Terminal() {
			return types.NewError(types.ErrValidation, "workflow %s already finished", workflowID)
		}
		w.Status.Paused = true
		return nil
	})
}

// Resume lets a paused workflow dispatch again.
func (s *WorkflowService) Resume(ctx context.Context, workflowID string) (*types.Workflow, error) {
	requeue := false
	wf, err := s.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		if w.Status.Terminal() {
			return types.NewError(types.ErrValidation, "workflow %s already finished", workflowID)
		}
		w.Status.Paused = false
		if !w.Status.Running && w.CurrentStep() != nil {
			w.Status.Queued = true
			requeue = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if requeue {
		if err := s.state.Requeue(ctx, workflowID); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

// Cancel marks a workflow cancelled. A running step finishes; the engine
// honors the flag before advancing.
func (s *WorkflowService) Cancel(ctx context.Context, workflowID string) (*types.Workflow, error) {
	wf, err := s.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		if w.Status.Terminal() {
			return types.NewError(types.ErrValidation, "workflow %s already finished", workflowID)
		}
		w.Status.Cancelled = true
		w.Status.Queued = false
		if !w.Status.Running {
			if step := w.CurrentStep(); step != nil && step.Status == types.ActionNotStarted {
				step.Status = types.ActionCancelled
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.telemetry != nil {
		s.telemetry.WorkflowsCancelled.Inc()
	}
	s.logger.Info("workflow cancelled", "workflow_id", workflowID)
	return wf, nil
}

// Retry resets a failed workflow from the given step index and requeues it.
func (s *WorkflowService) Retry(ctx context.Context, workflowID string, fromIndex int) (*types.Workflow, error) {
	if err := s.engine.RetryWorkflow(ctx, workflowID, fromIndex); err != nil {
		return nil, err
	}
	return s.state.GetWorkflow(ctx, workflowID)
}
