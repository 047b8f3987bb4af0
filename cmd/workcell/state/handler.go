package state

import (
	"context"
	"fmt"
	"time"

	"github.com/madsci/workcell/common/types"
)

// Handler owns all reads and writes of workcell runtime state. Every
// workflow mutation funnels through UpdateWorkflow, which serializes
// concurrent writers behind a per-workflow lock so the scheduler, the
// engine and the control plane never clobber each other.
type Handler struct {
	store       Store
	logger      Logger
	lockTTL     time.Duration
	retention   time.Duration
	archiveSink func(context.Context, *types.Workflow) error
}

// HandlerOpts configures a state handler.
type HandlerOpts struct {
	Store  Store
	Logger Logger
	// LockTTL bounds how long a crashed holder can pin a workflow lock.
	LockTTL time.Duration
	// Retention is how long terminal workflows stay in the active collection
	// before the janitor archives them.
	Retention time.Duration
	// ArchiveSink, when set, receives each workflow as it is archived, for
	// long-term storage outside the state store.
	ArchiveSink func(context.Context, *types.Workflow) error
}

// NewHandler creates a state handler.
func NewHandler(opts HandlerOpts) *Handler {
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	return &Handler{
		store:       opts.Store,
		logger:      opts.Logger,
		lockTTL:     lockTTL,
		retention:   retention,
		archiveSink: opts.ArchiveSink,
	}
}

// SubmitWorkflow persists a freshly materialized workflow and enqueues it.
func (h *Handler) SubmitWorkflow(ctx context.Context, wf *types.Workflow) error {
	wf.Status.Initializing = false
	wf.Status.Queued = true
	describe(wf)
	if err := h.store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	if err := h.store.Enqueue(ctx, wf.WorkflowID); err != nil {
		return err
	}
	h.logger.Info("workflow submitted", "workflow_id", wf.WorkflowID, "name", wf.Name, "steps", len(wf.Steps))
	return nil
}

// UpdateWorkflow applies a mutation to a workflow atomically: it loads the
// latest stored copy under the per-workflow lock, runs the mutator, derives
// bookkeeping fields and saves. Terminal workflows leave the queue and get
// their end time stamped.
func (h *Handler) UpdateWorkflow(ctx context.Context, workflowID string, mutate func(*types.Workflow) error) (*types.Workflow, error) {
	release, err := h.store.LockWorkflow(ctx, workflowID, h.lockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	wf, found, err := h.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewError(types.ErrValidation, "workflow not found: %s", workflowID)
	}

	if err := mutate(wf); err != nil {
		return nil, err
	}

	if wf.Status.Terminal() {
		if wf.EndTime == nil {
			now := types.Now()
			wf.EndTime = &now
		}
		if err := h.store.RemoveFromQueue(ctx, workflowID); err != nil {
			return nil, err
		}
	}
	describe(wf)

	if err := h.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetWorkflow fetches a workflow from the active or archived collection.
func (h *Handler) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	wf, found, err := h.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewError(types.ErrValidation, "workflow not found: %s", workflowID)
	}
	return wf, nil
}

// ListWorkflows returns active workflows, optionally including archived ones.
func (h *Handler) ListWorkflows(ctx context.Context, includeArchived bool) ([]*types.Workflow, error) {
	workflows, err := h.store.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	if includeArchived {
		archived, err := h.store.ListArchivedWorkflows(ctx)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, archived...)
	}
	return workflows, nil
}

// Queue returns the queued workflow IDs in submission order.
func (h *Handler) Queue(ctx context.Context) ([]string, error) {
	return h.store.Queue(ctx)
}

// Requeue puts a workflow back on the queue. Idempotent.
func (h *Handler) Requeue(ctx context.Context, workflowID string) error {
	return h.store.Enqueue(ctx, workflowID)
}

// RemoveFromQueue drops a workflow from the queue without touching the
// workflow record.
func (h *Handler) RemoveFromQueue(ctx context.Context, workflowID string) error {
	return h.store.RemoveFromQueue(ctx, workflowID)
}

// RegisterNode records or refreshes a node registry entry.
func (h *Handler) RegisterNode(ctx context.Context, entry *types.NodeRegistryEntry) error {
	entry.LastSeen = types.Now()
	return h.store.SaveNode(ctx, entry)
}

// GetNode fetches a node registry entry by name.
func (h *Handler) GetNode(ctx context.Context, nodeName string) (*types.NodeRegistryEntry, bool, error) {
	return h.store.GetNode(ctx, nodeName)
}

// ListNodes returns the node registry.
func (h *Handler) ListNodes(ctx context.Context) (map[string]*types.NodeRegistryEntry, error) {
	return h.store.ListNodes(ctx)
}

// UpdateNodeStatus refreshes a node's cached status.
func (h *Handler) UpdateNodeStatus(ctx context.Context, nodeName string, status *types.NodeStatus) error {
	entry, found, err := h.store.GetNode(ctx, nodeName)
	if err != nil {
		return err
	}
	if !found {
		return types.NewError(types.ErrUnknownNode, "node not registered: %s", nodeName)
	}
	entry.Status = status
	entry.LastSeen = types.Now()
	return h.store.SaveNode(ctx, entry)
}

// RemoveNode drops a node from the registry.
func (h *Handler) RemoveNode(ctx context.Context, nodeName string) error {
	return h.store.DeleteNode(ctx, nodeName)
}

// SaveLocation stores a location.
func (h *Handler) SaveLocation(ctx context.Context, loc *types.Location) error {
	if loc.LocationID == "" {
		loc.LocationID = types.NewID()
	}
	return h.store.SaveLocation(ctx, loc)
}

// GetLocation fetches a location.
func (h *Handler) GetLocation(ctx context.Context, locationID string) (*types.Location, bool, error) {
	return h.store.GetLocation(ctx, locationID)
}

// ListLocations returns all locations.
func (h *Handler) ListLocations(ctx context.Context) ([]*types.Location, error) {
	return h.store.ListLocations(ctx)
}

// DeleteLocation removes a location.
func (h *Handler) DeleteLocation(ctx context.Context, locationID string) error {
	return h.store.DeleteLocation(ctx, locationID)
}

// SaveWorkcell stores the workcell definition.
func (h *Handler) SaveWorkcell(ctx context.Context, def *types.WorkcellDefinition) error {
	if def.WorkcellID == "" {
		def.WorkcellID = types.NewID()
	}
	return h.store.SaveWorkcell(ctx, def)
}

// GetWorkcell fetches the workcell definition.
func (h *Handler) GetWorkcell(ctx context.Context) (*types.WorkcellDefinition, bool, error) {
	return h.store.GetWorkcell(ctx)
}

// State composes the full workcell snapshot served by the control plane.
func (h *Handler) State(ctx context.Context) (*types.WorkcellState, error) {
	workflows, err := h.store.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	nodes, err := h.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	locations, err := h.store.ListLocations(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &types.WorkcellState{
		Workflows: make(map[string]*types.Workflow, len(workflows)),
		Nodes:     nodes,
		Locations: make(map[string]*types.Location, len(locations)),
	}
	for _, wf := range workflows {
		snapshot.Workflows[wf.WorkflowID] = wf
	}
	for _, loc := range locations {
		snapshot.Locations[loc.LocationID] = loc
	}
	return snapshot, nil
}

// RecoverAbandoned requeues workflows that were mid-flight when the manager
// stopped. Running workflows go back to queued and their in-flight step is
// marked UNKNOWN; the engine reconciles the truth with the node on the next
// dispatch of that workflow.
func (h *Handler) RecoverAbandoned(ctx context.Context) error {
	workflows, err := h.store.ListActiveWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if !wf.Status.Running {
			continue
		}
		_, err := h.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) error {
			w.Status.Running = false
			w.Status.Queued = true
			if step := w.CurrentStep(); step != nil && step.Status == types.ActionRunning {
				step.Status = types.ActionUnknown
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := h.store.Enqueue(ctx, wf.WorkflowID); err != nil {
			return err
		}
		h.logger.Warn("requeued abandoned workflow", "workflow_id", wf.WorkflowID)
	}
	return nil
}

// ArchiveExpired moves terminal workflows past the retention window into the
// archive collection.
func (h *Handler) ArchiveExpired(ctx context.Context) error {
	workflows, err := h.store.ListActiveWorkflows(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-h.retention)
	for _, wf := range workflows {
		if !wf.Status.Terminal() || wf.EndTime == nil || wf.EndTime.After(cutoff) {
			continue
		}
		if h.archiveSink != nil {
			if err := h.archiveSink(ctx, wf); err != nil {
				h.logger.Error("archive sink failed", "workflow_id", wf.WorkflowID, "error", err)
				continue
			}
		}
		if err := h.store.ArchiveWorkflow(ctx, wf); err != nil {
			return err
		}
		h.logger.Debug("archived workflow", "workflow_id", wf.WorkflowID)
	}
	return nil
}

// StartJanitor periodically archives expired workflows until the context
// ends.
func (h *Handler) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.ArchiveExpired(ctx); err != nil {
					h.logger.Error("archive pass failed", "error", err)
				}
			}
		}
	}()
}

// describe refreshes the human-readable status line.
func describe(wf *types.Workflow) {
	s := &wf.Status
	switch {
	case s.Cancelled:
		s.Description = "cancelled"
	case s.Failed:
		s.Description = fmt.Sprintf("failed at step %d/%d", s.CurrentStepIndex+1, len(wf.Steps))
	case s.Completed:
		s.Description = "completed"
	case s.Paused:
		s.Description = fmt.Sprintf("paused at step %d/%d", s.CurrentStepIndex+1, len(wf.Steps))
	case s.Running:
		s.Description = fmt.Sprintf("running step %d/%d", s.CurrentStepIndex+1, len(wf.Steps))
	case s.Queued:
		s.Description = fmt.Sprintf("queued at step %d/%d", s.CurrentStepIndex+1, len(wf.Steps))
	case s.Initializing:
		s.Description = "initializing"
	default:
		s.Description = ""
	}
}
