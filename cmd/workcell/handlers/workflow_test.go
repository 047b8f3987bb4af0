package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madsci/workcell/cmd/workcell/engine"
	"github.com/madsci/workcell/cmd/workcell/resolver"
	"github.com/madsci/workcell/cmd/workcell/service"
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

type handlerEnv struct {
	echo    *echo.Echo
	handler *WorkflowHandler
	state   *state.Handler
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	logger := &testLogger{t: t}
	stateHandler := state.NewHandler(state.HandlerOpts{
		Store:  state.NewMemoryStore(),
		Logger: logger,
	})
	datapoints := clients.NewMemoryDatapointClient()
	res := resolver.NewResolver(datapoints, logger)
	eng := engine.New(engine.Opts{
		State:      stateHandler,
		Resolver:   res,
		Datapoints: datapoints,
		ClientFor:  func(nodeURL string) clients.NodeClient { return nil },
		Logger:     logger,
		StagingDir: t.TempDir(),
	})
	workflowSvc := service.NewWorkflowService(stateHandler, res, eng, nil, logger)
	return &handlerEnv{
		echo:    echo.New(),
		handler: NewWorkflowHandler(nil, workflowSvc, nil, nil),
		state:   stateHandler,
	}
}

func inlineDefinition() map[string]any {
	return map[string]any{
		"name": "prep",
		"steps": []map[string]any{
			{"name": "transfer", "node": "liquidhandler_1", "action": "transfer"},
		},
	}
}

func (env *handlerEnv) postJSON(t *testing.T, payload any) (*httptest.ResponseRecorder, error) {
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/workflow", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	return rec, env.handler.Submit(c)
}

func (env *handlerEnv) submitWorkflow(t *testing.T) *types.Workflow {
	rec, err := env.postJSON(t, map[string]any{"definition": inlineDefinition()})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, rec.Code)
	var wf types.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	return &wf
}

func (env *handlerEnv) invoke(t *testing.T, method, path, id string, fn echo.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	require.NoError(t, fn(c))
	return rec
}

func TestSubmit_InlineDefinition(t *testing.T) {
	env := newHandlerEnv(t)

	wf := env.submitWorkflow(t)
	assert.NotEmpty(t, wf.WorkflowID)
	assert.True(t, wf.Status.Queued)

	queue, err := env.state.Queue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{wf.WorkflowID}, queue)
}

func TestSubmit_ValidateOnly(t *testing.T) {
	env := newHandlerEnv(t)

	rec, err := env.postJSON(t, map[string]any{
		"definition":    inlineDefinition(),
		"validate_only": true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	queue, err := env.state.Queue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestSubmit_InvalidDefinition(t *testing.T) {
	env := newHandlerEnv(t)

	rec, err := env.postJSON(t, map[string]any{
		"definition": map[string]any{"name": "empty"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var envelope types.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, types.ErrValidation, envelope.ErrorType)
}

func TestSubmit_MissingDefinitionAndID(t *testing.T) {
	env := newHandlerEnv(t)

	_, err := env.postJSON(t, map[string]any{"priority": 1})
	require.Error(t, err)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestSubmit_MultipartWithFileInput(t *testing.T) {
	env := newHandlerEnv(t)

	def := inlineDefinition()
	def["parameters"] = map[string]any{
		"file_inputs": []map[string]any{{"key": "protocol", "required": true}},
	}
	data, err := json.Marshal(map[string]any{"definition": def})
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("data", string(data)))
	part, err := mw.CreateFormFile("protocol", "protocol.py")
	require.NoError(t, err)
	_, err = part.Write([]byte("print('hi')"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/workflow", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	require.NoError(t, env.handler.Submit(env.echo.NewContext(req, rec)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var wf types.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.NotEmpty(t, wf.FileInputIDs["protocol"])
}

func TestSubmit_MultipartMissingDataPart(t *testing.T) {
	env := newHandlerEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/workflow", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	err := env.handler.Submit(env.echo.NewContext(req, rec))
	require.Error(t, err)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestWorkflowLifecycleEndpoints(t *testing.T) {
	env := newHandlerEnv(t)
	wf := env.submitWorkflow(t)

	rec := env.invoke(t, http.MethodPost, "/workflow/"+wf.WorkflowID+"/pause", wf.WorkflowID, env.handler.Pause)
	require.Equal(t, http.StatusOK, rec.Code)
	var paused types.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	assert.True(t, paused.Status.Paused)

	rec = env.invoke(t, http.MethodPost, "/workflow/"+wf.WorkflowID+"/resume", wf.WorkflowID, env.handler.Resume)
	require.Equal(t, http.StatusOK, rec.Code)
	var resumed types.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.False(t, resumed.Status.Paused)
	assert.True(t, resumed.Status.Queued)

	rec = env.invoke(t, http.MethodPost, "/workflow/"+wf.WorkflowID+"/cancel", wf.WorkflowID, env.handler.Cancel)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled types.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.True(t, cancelled.Status.Cancelled)

	// Cancelling a finished workflow is a validation error.
	rec = env.invoke(t, http.MethodPost, "/workflow/"+wf.WorkflowID+"/cancel", wf.WorkflowID, env.handler.Cancel)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetWorkflow(t *testing.T) {
	env := newHandlerEnv(t)
	wf := env.submitWorkflow(t)

	rec := env.invoke(t, http.MethodGet, "/workflow/"+wf.WorkflowID, wf.WorkflowID, env.handler.Get)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.invoke(t, http.MethodGet, "/workflow/missing", "missing", env.handler.Get)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestRetry_InvalidIndex(t *testing.T) {
	env := newHandlerEnv(t)
	wf := env.submitWorkflow(t)

	req := httptest.NewRequest(http.MethodPost, "/workflow/"+wf.WorkflowID+"/retry?index=abc", nil)
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(wf.WorkflowID)
	err := env.handler.Retry(c)
	require.Error(t, err)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)

	// Retrying a workflow that has not failed is rejected.
	req = httptest.NewRequest(http.MethodPost, "/workflow/"+wf.WorkflowID+"/retry?index=0", nil)
	rec = httptest.NewRecorder()
	c = env.echo.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(wf.WorkflowID)
	require.NoError(t, env.handler.Retry(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListArchived_MostRecentFirst(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	// Finish three workflows in order; end times stamp on the terminal update.
	var finished []*types.Workflow
	for i := 0; i < 3; i++ {
		wf := env.submitWorkflow(t)
		_, err := env.state.UpdateWorkflow(ctx, wf.WorkflowID, func(w *types.Workflow) error {
			w.Status.Queued = false
			w.Status.Completed = true
			return nil
		})
		require.NoError(t, err)
		finished = append(finished, wf)
	}

	req := httptest.NewRequest(http.MethodGet, "/workflows/archived?number=2", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, env.handler.ListArchived(env.echo.NewContext(req, rec)))
	require.Equal(t, http.StatusOK, rec.Code)

	var archived []*types.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &archived))
	require.Len(t, archived, 2)
	assert.Equal(t, finished[2].WorkflowID, archived[0].WorkflowID)
	assert.Equal(t, finished[1].WorkflowID, archived[1].WorkflowID)
}

func TestListAndQueueEndpoints(t *testing.T) {
	env := newHandlerEnv(t)
	wf := env.submitWorkflow(t)

	rec := env.invoke(t, http.MethodGet, "/workflows/active", "", env.handler.ListActive)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), wf.WorkflowID))

	rec = env.invoke(t, http.MethodGet, "/workflows/queue", "", env.handler.Queue)
	require.Equal(t, http.StatusOK, rec.Code)
	var queue []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	assert.Equal(t, []string{wf.WorkflowID}, queue)
}
