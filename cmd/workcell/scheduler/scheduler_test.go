package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madsci/workcell/cmd/workcell/condition"
	"github.com/madsci/workcell/cmd/workcell/engine"
	"github.com/madsci/workcell/cmd/workcell/resolver"
	"github.com/madsci/workcell/cmd/workcell/state"
	"github.com/madsci/workcell/common/clients"
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

// recordingClient completes every action immediately and remembers the order
// in which they arrived. A non-nil gate blocks each action until released.
type recordingClient struct {
	gate     chan struct{}
	dispatch chan string
}

func newRecordingClient() *recordingClient {
	return &recordingClient{dispatch: make(chan string, 32)}
}

func (f *recordingClient) Capabilities() types.NodeClientCapabilities {
	return types.NodeClientCapabilities{SendAction: true, GetActionResult: true}
}

func (f *recordingClient) GetInfo(ctx context.Context) (*types.NodeInfo, error) {
	return &types.NodeInfo{}, nil
}

func (f *recordingClient) GetStatus(ctx context.Context) (*types.NodeStatus, error) {
	status := &types.NodeStatus{}
	status.Refresh()
	return status, nil
}

func (f *recordingClient) GetState(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *recordingClient) GetLog(ctx context.Context) (map[string]types.Event, error) {
	return map[string]types.Event{}, nil
}

func (f *recordingClient) SendAction(ctx context.Context, req *types.ActionRequest, awaitResult bool, timeout time.Duration) (*types.ActionResult, error) {
	req.ActionID = types.NewID()
	f.dispatch <- req.ActionName
	if f.gate != nil {
		<-f.gate
	}
	return types.Succeeded(req.ActionID), nil
}

func (f *recordingClient) GetActionResult(ctx context.Context, actionID string) (*types.ActionResult, error) {
	return types.Succeeded(actionID), nil
}

func (f *recordingClient) SetConfig(ctx context.Context, config map[string]any) (*types.NodeSetConfigResponse, error) {
	return &types.NodeSetConfigResponse{}, nil
}

func (f *recordingClient) SendAdminCommand(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error) {
	return &types.AdminCommandResponse{Success: true}, nil
}

type testEnv struct {
	scheduler *Scheduler
	state     *state.Handler
	client    *recordingClient
	ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, state.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store state.Store) *testEnv {
	logger := &testLogger{t: t}
	stateHandler := state.NewHandler(state.HandlerOpts{
		Store:  store,
		Logger: logger,
	})
	datapoints := clients.NewMemoryDatapointClient()
	client := newRecordingClient()
	eng := engine.New(engine.Opts{
		State:      stateHandler,
		Resolver:   resolver.NewResolver(datapoints, logger),
		Datapoints: datapoints,
		ClientFor:  func(nodeURL string) clients.NodeClient { return client },
		Logger:     logger,
		StagingDir: t.TempDir(),
	})
	sched := New(Opts{
		State:     stateHandler,
		Engine:    eng,
		Evaluator: condition.NewEvaluator(),
		Logger:    logger,
	})
	return &testEnv{scheduler: sched, state: stateHandler, client: client, ctx: context.Background()}
}

func (env *testEnv) registerNode(t *testing.T, name string) {
	status := &types.NodeStatus{}
	status.Refresh()
	require.NoError(t, env.state.RegisterNode(env.ctx, &types.NodeRegistryEntry{
		NodeName: name,
		NodeURL:  "http://" + name,
		Status:   status,
	}))
}

func (env *testEnv) submit(t *testing.T, action, node string, priority int) *types.Workflow {
	def := &types.WorkflowDefinition{
		Name:  "sched_test",
		Steps: []types.StepDefinition{{Name: action, Node: node, Action: action}},
	}
	wf := types.NewWorkflow(def, types.Ownership{}, priority)
	require.NoError(t, env.state.SubmitWorkflow(env.ctx, wf))
	return wf
}

func (env *testEnv) waitDone(t *testing.T, workflowID string) *types.Workflow {
	var got *types.Workflow
	require.Eventually(t, func() bool {
		wf, err := env.state.GetWorkflow(env.ctx, workflowID)
		if err != nil {
			return false
		}
		got = wf
		return wf.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestTick_DispatchesQueuedWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "node_a")
	wf := env.submit(t, "transfer", "node_a", 0)

	require.NoError(t, env.scheduler.Tick(env.ctx))
	got := env.waitDone(t, wf.WorkflowID)
	assert.True(t, got.Status.Completed)
	assert.True(t, got.SchedulerMetadata.ReadyToRun)
}

func TestTick_PriorityThenSubmissionOrder(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "node_a")

	low := env.submit(t, "low", "node_a", 1)
	older := env.submit(t, "older", "node_a", 5)
	newer := env.submit(t, "newer", "node_a", 5)

	// One dispatch per tick: all three target the same node.
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			_ = env.scheduler.Tick(env.ctx)
			return len(env.client.dispatch) > i
		}, 2*time.Second, 10*time.Millisecond)
	}
	env.waitDone(t, low.WorkflowID)
	env.waitDone(t, older.WorkflowID)
	env.waitDone(t, newer.WorkflowID)

	order := []string{<-env.client.dispatch, <-env.client.dispatch, <-env.client.dispatch}
	assert.Equal(t, []string{"older", "newer", "low"}, order)
}

func TestTick_OneStepInFlightPerNode(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "node_a")
	env.client.gate = make(chan struct{})

	first := env.submit(t, "first", "node_a", 0)
	second := env.submit(t, "second", "node_a", 0)

	require.NoError(t, env.scheduler.Tick(env.ctx))
	require.Eventually(t, func() bool {
		return len(env.client.dispatch) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The node is claimed while the first step blocks.
	require.NoError(t, env.scheduler.Tick(env.ctx))
	assert.Len(t, env.client.dispatch, 1)

	got, err := env.state.GetWorkflow(env.ctx, second.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "node has a step in flight", got.SchedulerMetadata.Reason)

	close(env.client.gate)
	env.client.gate = nil
	env.waitDone(t, first.WorkflowID)

	require.NoError(t, env.scheduler.Tick(env.ctx))
	env.waitDone(t, second.WorkflowID)
}

func TestTick_DifferentNodesRunConcurrently(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "node_a")
	env.registerNode(t, "node_b")

	a := env.submit(t, "act_a", "node_a", 0)
	b := env.submit(t, "act_b", "node_b", 0)

	require.NoError(t, env.scheduler.Tick(env.ctx))
	env.waitDone(t, a.WorkflowID)
	env.waitDone(t, b.WorkflowID)
	assert.Len(t, env.client.dispatch, 2)
}

func TestTick_UnknownNodeFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	wf := env.submit(t, "transfer", "ghost_node", 0)

	require.NoError(t, env.scheduler.Tick(env.ctx))
	got, err := env.state.GetWorkflow(env.ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, got.Status.Failed)
	require.NotNil(t, got.Steps[0].Result)
	assert.Equal(t, types.ErrUnknownNode, got.Steps[0].Result.Errors[0].ErrorType)
	assert.Empty(t, env.client.dispatch)
}

func TestTick_ConditionGatesDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "node_a")

	def := &types.WorkflowDefinition{
		Name: "gated",
		Steps: []types.StepDefinition{{
			Name: "s", Node: "node_a", Action: "act",
			Conditions: []types.Condition{{Expression: `parameters.go_ahead == true`}},
		}},
	}
	wf := types.NewWorkflow(def, types.Ownership{}, 0)
	wf.ParameterValues = map[string]any{"go_ahead": false}
	require.NoError(t, env.state.SubmitWorkflow(env.ctx, wf))

	require.NoError(t, env.scheduler.Tick(env.ctx))
	got, err := env.state.GetWorkflow(env.ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, got.Status.Queued)
	assert.False(t, got.SchedulerMetadata.ReadyToRun)
	assert.Equal(t, "condition not met", got.SchedulerMetadata.Reason)
	assert.Empty(t, env.client.dispatch)

	// Flip the gate and the step goes out on the next tick.
	_, err = env.state.UpdateWorkflow(env.ctx, wf.WorkflowID, func(w *types.Workflow) error {
		w.ParameterValues["go_ahead"] = true
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, env.scheduler.Tick(env.ctx))
	env.waitDone(t, wf.WorkflowID)
}

func TestTick_ConditionErrorFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "node_a")

	def := &types.WorkflowDefinition{
		Name: "broken_condition",
		Steps: []types.StepDefinition{{
			Name: "s", Node: "node_a", Action: "act",
			Conditions: []types.Condition{{Expression: `parameters.volume >`}},
		}},
	}
	wf := types.NewWorkflow(def, types.Ownership{}, 0)
	require.NoError(t, env.state.SubmitWorkflow(env.ctx, wf))

	require.NoError(t, env.scheduler.Tick(env.ctx))
	got, err := env.state.GetWorkflow(env.ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, got.Status.Failed)
	assert.Empty(t, env.client.dispatch)
}

func TestTick_NodeNotReadyHoldsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	busy := &types.NodeStatus{Busy: true}
	busy.Refresh()
	require.NoError(t, env.state.RegisterNode(env.ctx, &types.NodeRegistryEntry{
		NodeName: "node_a", NodeURL: "http://node_a", Status: busy,
	}))
	wf := env.submit(t, "transfer", "node_a", 0)

	require.NoError(t, env.scheduler.Tick(env.ctx))
	got, err := env.state.GetWorkflow(env.ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.True(t, got.Status.Queued)
	assert.Equal(t, "node not ready", got.SchedulerMetadata.Reason)
	assert.Empty(t, env.client.dispatch)
}

func TestTick_VanishedWorkflowDequeued(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.state.Requeue(env.ctx, "no_such_workflow"))

	require.NoError(t, env.scheduler.Tick(env.ctx))
	queue, err := env.state.Queue(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

// flakyStore fails workflow reads on demand.
type flakyStore struct {
	state.Store
	failReads bool
}

func (s *flakyStore) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, bool, error) {
	if s.failReads {
		return nil, false, errors.New("store connection lost")
	}
	return s.Store.GetWorkflow(ctx, workflowID)
}

func TestTick_StoreErrorKeepsWorkflowQueued(t *testing.T) {
	store := &flakyStore{Store: state.NewMemoryStore()}
	env := newTestEnvWithStore(t, store)
	env.registerNode(t, "node_a")
	wf := env.submit(t, "transfer", "node_a", 0)

	store.failReads = true
	require.NoError(t, env.scheduler.Tick(env.ctx))
	store.failReads = false

	queue, err := env.state.Queue(env.ctx)
	require.NoError(t, err)
	assert.Contains(t, queue, wf.WorkflowID)
	assert.Empty(t, env.client.dispatch)

	// The entry survives the outage and dispatches on the next pass.
	require.NoError(t, env.scheduler.Tick(env.ctx))
	env.waitDone(t, wf.WorkflowID)
}

func TestTick_SkipsPausedWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.registerNode(t, "node_a")
	wf := env.submit(t, "transfer", "node_a", 0)

	_, err := env.state.UpdateWorkflow(env.ctx, wf.WorkflowID, func(w *types.Workflow) error {
		w.Status.Paused = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, env.scheduler.Tick(env.ctx))
	assert.Empty(t, env.client.dispatch)
}
