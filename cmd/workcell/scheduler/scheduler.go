package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/madsci/workcell/cmd/workcell/condition"
	"github.com/madsci/workcell/cmd/workcell/engine"
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

// Scheduler decides which queued workflow steps run on each tick. It
// dispatches at most one step per workflow per tick and keeps at most one
// step in flight per node.
type Scheduler struct {
	state     *state.Handler
	engine    *engine.Engine
	evaluator *condition.Evaluator
	telemetry *telemetry.Telemetry
	logger    Logger
	tick      time.Duration

	mu                sync.Mutex
	inflightNodes     map[string]bool
	inflightWorkflows map[string]bool
}

// Opts configures a Scheduler.
type Opts struct {
	State        *state.Handler
	Engine       *engine.Engine
	Evaluator    *condition.Evaluator
	Telemetry    *telemetry.Telemetry
	Logger       Logger
	TickInterval time.Duration
}

// New creates a scheduler.
func New(opts Opts) *Scheduler {
	tick := opts.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		state:             opts.State,
		engine:            opts.Engine,
		evaluator:         opts.Evaluator,
		telemetry:         opts.Telemetry,
		logger:            opts.Logger,
		tick:              tick,
		inflightNodes:     map[string]bool{},
		inflightWorkflows: map[string]bool{},
	}
}

// Run drives the scheduling loop until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick_interval", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// candidate is a workflow ready to have its current step dispatched.
type candidate struct {
	workflow *types.Workflow
	node     string
}

// Tick runs one scheduling pass over the queue.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.telemetry != nil {
		s.telemetry.SchedulerTicks.Inc()
	}

	queue, err := s.state.Queue(ctx)
	if err != nil {
		return err
	}
	if s.telemetry != nil {
		s.telemetry.QueueLength.Set(float64(len(queue)))
	}

	nodes, err := s.state.ListNodes(ctx)
	if err != nil {
		return err
	}

	var candidates []candidate
	for _, workflowID := range queue {
		if s.isInflight(workflowID) {
			continue
		}
		wf, err := s.state.GetWorkflow(ctx, workflowID)
		if err != nil {
			// Only a confirmed absence drops the entry; a store hiccup must
			// not lose queued work.
			var envelope types.Error
			if errors.As(err, &envelope) && envelope.ErrorType == types.ErrValidation {
				s.logger.Warn("queued workflow vanished", "workflow_id", workflowID)
				_ = s.state.RemoveFromQueue(ctx, workflowID)
			} else {
				s.logger.Error("failed to load queued workflow", "workflow_id", workflowID, "error", err)
			}
			continue
		}
		if !wf.Status.Queued || wf.Status.Paused || wf.Status.Terminal() || wf.Status.Running {
			if wf.Status.Terminal() {
				_ = s.state.RemoveFromQueue(ctx, workflowID)
			}
			continue
		}

		step := wf.CurrentStep()
		if step == nil {
			continue
		}

		ready, reason := s.checkStep(ctx, wf, step, nodes)
		if !ready {
			s.recordNotReady(ctx, wf, reason)
			continue
		}
		candidates = append(candidates, candidate{workflow: wf, node: nodeNameFor(wf, step)})
	}

	// Higher priority first; ties break on submission order.
	sort.SliceStable(candidates, func(i, j int) bool {
		pi := candidates[i].workflow.SchedulerMetadata.Priority
		pj := candidates[j].workflow.SchedulerMetadata.Priority
		if pi != pj {
			return pi > pj
		}
		return candidates[i].workflow.SubmittedTime.Before(candidates[j].workflow.SubmittedTime)
	})

	claimed := map[string]bool{}
	for _, c := range candidates {
		if claimed[c.node] {
			continue
		}
		claimed[c.node] = true
		s.dispatch(ctx, c.workflow.WorkflowID, c.node)
	}
	return nil
}

// checkStep decides whether a workflow's current step can dispatch right
// now. Unknown nodes fail the workflow immediately.
func (s *Scheduler) checkStep(ctx context.Context, wf *types.Workflow, step *types.Step, nodes map[string]*types.NodeRegistryEntry) (bool, string) {
	nodeName := nodeNameFor(wf, step)
	if nodeName == "" {
		// The node comes from an unset parameter; the engine will surface the
		// resolution error when it runs.
		return true, ""
	}

	entry, known := nodes[nodeName]
	if !known {
		s.failWorkflow(ctx, wf.WorkflowID,
			types.NewError(types.ErrUnknownNode, "step %q targets unknown node %q", step.Name, nodeName))
		return false, "unknown node"
	}

	for i := range step.Conditions {
		ok, err := s.evaluator.Evaluate(&step.Conditions[i], wf)
		if err != nil {
			s.failWorkflow(ctx, wf.WorkflowID, types.ErrorFrom(types.ErrValidation, err))
			return false, "condition error"
		}
		if !ok {
			return false, "condition not met"
		}
	}

	s.mu.Lock()
	busy := s.inflightNodes[nodeName]
	s.mu.Unlock()
	if busy {
		return false, "node has a step in flight"
	}
	if entry.Status == nil || !entry.Status.CanAcceptAction() {
		return false, "node not ready"
	}
	return true, ""
}

// dispatch launches the engine for one workflow step, holding the node and
// workflow in-flight markers until it returns.
func (s *Scheduler) dispatch(ctx context.Context, workflowID, nodeName string) {
	s.mu.Lock()
	s.inflightWorkflows[workflowID] = true
	if nodeName != "" {
		s.inflightNodes[nodeName] = true
	}
	s.mu.Unlock()

	s.markReady(ctx, workflowID)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflightWorkflows, workflowID)
			if nodeName != "" {
				delete(s.inflightNodes, nodeName)
			}
			s.mu.Unlock()
		}()
		if err := s.engine.RunNextStep(ctx, workflowID); err != nil {
			s.logger.Error("step execution failed", "workflow_id", workflowID, "error", err)
		}
	}()
}

func (s *Scheduler) isInflight(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflightWorkflows[workflowID]
}

func (s *Scheduler) markReady(ctx context.Context, workflowID string) {
	_, err := s.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		w.SchedulerMetadata.ReadyToRun = true
		w.SchedulerMetadata.Reason = ""
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to record scheduler decision", "workflow_id", workflowID, "error", err)
	}
}

func (s *Scheduler) recordNotReady(ctx context.Context, wf *types.Workflow, reason string) {
	if wf.SchedulerMetadata.Reason == reason && !wf.SchedulerMetadata.ReadyToRun {
		return
	}
	_, err := s.state.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) error {
		w.SchedulerMetadata.ReadyToRun = false
		w.SchedulerMetadata.Reason = reason
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to record scheduler decision", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func (s *Scheduler) failWorkflow(ctx context.Context, workflowID string, cause types.Error) {
	_, err := s.state.UpdateWorkflow(ctx, workflowID, func(w *types.Workflow) error {
		w.Status.Queued = false
		w.Status.Failed = true
		if step := w.CurrentStep(); step != nil {
			step.Status = types.ActionFailed
			step.Result = types.Failed("", cause)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to fail workflow", "workflow_id", workflowID, "error", err)
		return
	}
	if s.telemetry != nil {
		s.telemetry.WorkflowsFailed.Inc()
	}
	s.logger.Warn("workflow failed by scheduler", "workflow_id", workflowID, "error", cause.Message)
}

// nodeNameFor resolves the target node of a step, consulting the workflow's
// parameter bindings when the step defers the choice.
func nodeNameFor(wf *types.Workflow, step *types.Step) string {
	if step.UseParameters != nil && step.UseParameters.Node != "" {
		if value, ok := wf.ParameterValues[step.UseParameters.Node]; ok {
			if name, ok := value.(string); ok {
				return name
			}
		}
		return ""
	}
	return step.Node
}
