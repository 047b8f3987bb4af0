package state

import (
	"context"
	"sync"
	"testing"
	"time"

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

func newTestHandler(t *testing.T) *Handler {
	return NewHandler(HandlerOpts{
		Store:  NewMemoryStore(),
		Logger: &testLogger{t: t},
	})
}

func testWorkflow() *types.Workflow {
	def := &types.WorkflowDefinition{
		Name: "prep",
		Steps: []types.StepDefinition{
			{Name: "transfer", Node: "liquidhandler_1", Action: "transfer"},
			{Name: "read", Node: "platereader_1", Action: "read_absorbance"},
		},
	}
	return types.NewWorkflow(def, types.Ownership{}, 0)
}

func TestHandler_SubmitAndGet(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	wf := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, wf))
	assert.False(t, wf.Status.Initializing)
	assert.True(t, wf.Status.Queued)
	assert.Equal(t, "queued at step 1/2", wf.Status.Description)

	got, err := h.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, wf.WorkflowID, got.WorkflowID)

	queue, err := h.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{wf.WorkflowID}, queue)

	_, err = h.GetWorkflow(ctx, "missing")
	assert.Error(t, err)
}

func TestHandler_SubmissionOrderPreserved(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	first := testWorkflow()
	second := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, first))
	require.NoError(t, h.SubmitWorkflow(ctx, second))

	queue, err := h.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.WorkflowID, second.WorkflowID}, queue)

	// Enqueue is idempotent.
	require.NoError(t, h.Requeue(ctx, first.WorkflowID))
	queue, err = h.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.WorkflowID, second.WorkflowID}, queue)
}

func TestHandler_UpdateWorkflowStampsTerminal(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	wf := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, wf))

	updated, err := h.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) error {
		w.Status.Queued = false
		w.Status.Completed = true
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, updated.EndTime)
	assert.Equal(t, "completed", updated.Status.Description)

	// Terminal workflows leave the queue.
	queue, err := h.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestHandler_UpdateWorkflowMutatorErrorDiscardsChanges(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	wf := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, wf))

	_, err := h.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) error {
		w.Status.Failed = true
		return assert.AnError
	})
	require.Error(t, err)

	got, err := h.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.False(t, got.Status.Failed)
}

func TestHandler_UpdateWorkflowSerializesWriters(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	wf := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, wf))

	// Each writer increments the priority it read; lost updates would leave
	// the final value short.
	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) error {
				w.SchedulerMetadata.Priority++
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := h.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.SchedulerMetadata.Priority)
}

func TestHandler_RecoverAbandoned(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	running := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, running))
	_, err := h.UpdateWorkflow(ctx, running.WorkflowID, func(w *types.Workflow) error {
		w.Status.Queued = false
		w.Status.Running = true
		w.Steps[0].Status = types.ActionRunning
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.RemoveFromQueue(ctx, running.WorkflowID))

	queued := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, queued))

	require.NoError(t, h.RecoverAbandoned(ctx))

	got, err := h.GetWorkflow(ctx, running.WorkflowID)
	require.NoError(t, err)
	assert.False(t, got.Status.Running)
	assert.True(t, got.Status.Queued)
	assert.Equal(t, types.ActionUnknown, got.Steps[0].Status)

	queue, err := h.Queue(ctx)
	require.NoError(t, err)
	assert.Contains(t, queue, running.WorkflowID)

	// The already-queued workflow is untouched.
	got, err = h.GetWorkflow(ctx, queued.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionNotStarted, got.Steps[0].Status)
}

func TestHandler_ArchiveExpired(t *testing.T) {
	store := NewMemoryStore()
	var sunk []string
	h := NewHandler(HandlerOpts{
		Store:     store,
		Logger:    &testLogger{t: t},
		Retention: time.Millisecond,
		ArchiveSink: func(ctx context.Context, wf *types.Workflow) error {
			sunk = append(sunk, wf.WorkflowID)
			return nil
		},
	})
	ctx := context.Background()

	finished := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, finished))
	_, err := h.UpdateWorkflow(ctx, finished.WorkflowID, func(w *types.Workflow) error {
		w.Status.Queued = false
		w.Status.Completed = true
		return nil
	})
	require.NoError(t, err)

	active := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, active))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, h.ArchiveExpired(ctx))

	assert.Equal(t, []string{finished.WorkflowID}, sunk)

	// Archived workflows are still reachable by ID.
	got, err := h.GetWorkflow(ctx, finished.WorkflowID)
	require.NoError(t, err)
	assert.True(t, got.Status.Completed)

	actives, err := store.ListActiveWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	assert.Equal(t, active.WorkflowID, actives[0].WorkflowID)
}

func TestHandler_NodeRegistry(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	status := &types.NodeStatus{}
	status.Refresh()
	entry := &types.NodeRegistryEntry{
		NodeName: "liquidhandler_1",
		NodeURL:  "http://localhost:8014",
		Status:   status,
	}
	require.NoError(t, h.RegisterNode(ctx, entry))
	assert.False(t, entry.LastSeen.IsZero())

	got, found, err := h.GetNode(ctx, "liquidhandler_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "http://localhost:8014", got.NodeURL)

	busy := &types.NodeStatus{Busy: true}
	busy.Refresh()
	require.NoError(t, h.UpdateNodeStatus(ctx, "liquidhandler_1", busy))
	got, _, err = h.GetNode(ctx, "liquidhandler_1")
	require.NoError(t, err)
	assert.True(t, got.Status.Busy)

	err = h.UpdateNodeStatus(ctx, "ghost", busy)
	require.Error(t, err)
	var envelope types.Error
	require.ErrorAs(t, err, &envelope)
	assert.Equal(t, types.ErrUnknownNode, envelope.ErrorType)

	require.NoError(t, h.RemoveNode(ctx, "liquidhandler_1"))
	_, found, err = h.GetNode(ctx, "liquidhandler_1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandler_StateSnapshot(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	wf := testWorkflow()
	require.NoError(t, h.SubmitWorkflow(ctx, wf))
	require.NoError(t, h.RegisterNode(ctx, &types.NodeRegistryEntry{NodeName: "n1", NodeURL: "http://n1"}))
	loc := &types.Location{Name: "deck_a1"}
	require.NoError(t, h.SaveLocation(ctx, loc))
	require.NotEmpty(t, loc.LocationID)

	snapshot, err := h.State(ctx)
	require.NoError(t, err)
	assert.Contains(t, snapshot.Workflows, wf.WorkflowID)
	assert.Contains(t, snapshot.Nodes, "n1")
	assert.Contains(t, snapshot.Locations, loc.LocationID)
}

func TestMemoryStore_LockWorkflowTimesOut(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	release, err := store.LockWorkflow(ctx, "wf1", time.Second)
	require.NoError(t, err)

	timedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = store.LockWorkflow(timedCtx, "wf1", time.Second)
	assert.Error(t, err)

	release()
	release2, err := store.LockWorkflow(ctx, "wf1", time.Second)
	require.NoError(t, err)
	release2()
}
