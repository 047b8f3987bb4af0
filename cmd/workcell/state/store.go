package state

import (
	"context"
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

// Store is the persistence surface behind the state handler. Implementations
// keep five named collections: active workflows, archived workflows, the
// workflow queue, the node registry and locations, plus the workcell
// definition document.
type Store interface {
	// Workflows.
	SaveWorkflow(ctx context.Context, wf *types.Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, bool, error)
	ListActiveWorkflows(ctx context.Context) ([]*types.Workflow, error)
	ListArchivedWorkflows(ctx context.Context) ([]*types.Workflow, error)
	ArchiveWorkflow(ctx context.Context, wf *types.Workflow) error

	// Queue. Enqueue is idempotent; the queue preserves insertion order.
	Enqueue(ctx context.Context, workflowID string) error
	RemoveFromQueue(ctx context.Context, workflowID string) error
	Queue(ctx context.Context) ([]string, error)

	// Node registry.
	SaveNode(ctx context.Context, entry *types.NodeRegistryEntry) error
	GetNode(ctx context.Context, nodeName string) (*types.NodeRegistryEntry, bool, error)
	ListNodes(ctx context.Context) (map[string]*types.NodeRegistryEntry, error)
	DeleteNode(ctx context.Context, nodeName string) error

	// Locations.
	SaveLocation(ctx context.Context, loc *types.Location) error
	GetLocation(ctx context.Context, locationID string) (*types.Location, bool, error)
	ListLocations(ctx context.Context) ([]*types.Location, error)
	DeleteLocation(ctx context.Context, locationID string) error

	// Workcell definition.
	SaveWorkcell(ctx context.Context, def *types.WorkcellDefinition) error
	GetWorkcell(ctx context.Context) (*types.WorkcellDefinition, bool, error)

	// LockWorkflow takes the per-workflow mutation lock. The returned
	// function releases it.
	LockWorkflow(ctx context.Context, workflowID string, ttl time.Duration) (func(), error)
}
