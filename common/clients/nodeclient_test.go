package clients

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
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

func newTestClient(t *testing.T, handler http.Handler) *RestNodeClient {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRestNodeClient(RestNodeClientOpts{
		BaseURL:     srv.URL,
		Logger:      &testLogger{t: t},
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
		DownloadDir: t.TempDir(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestSendAction_ThreePhaseLifecycleWithPolling(t *testing.T) {
	var polls atomic.Int32
	uploaded := map[string]string{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /action/measure", func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		assert.Equal(t, 12.5, args["volume"])
		writeJSON(w, map[string]string{"action_id": "act_1"})
	})
	mux.HandleFunc("POST /action/measure/act_1/upload/{arg}", func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(f)
		require.NoError(t, err)
		uploaded[r.PathValue("arg")] = buf.String()
		writeJSON(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /action/measure/act_1/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &types.ActionResult{ActionID: "act_1", Status: types.ActionRunning})
	})
	mux.HandleFunc("GET /action/act_1/result", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeJSON(w, &types.ActionResult{ActionID: "act_1", Status: types.ActionRunning})
			return
		}
		writeJSON(w, &types.ActionResult{
			ActionID: "act_1",
			Status:   types.ActionSucceeded,
			Data:     map[string]any{"reading": 0.42},
		})
	})

	client := newTestClient(t, mux)

	protocol := filepath.Join(t.TempDir(), "protocol.py")
	require.NoError(t, os.WriteFile(protocol, []byte("print('hi')"), 0o644))

	req := &types.ActionRequest{
		ActionName: "measure",
		Args:       map[string]any{"volume": 12.5},
		Files:      map[string]string{"protocol": protocol},
	}
	result, err := client.SendAction(context.Background(), req, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "act_1", req.ActionID)
	assert.Equal(t, types.ActionSucceeded, result.Status)
	assert.Equal(t, 0.42, result.Data["reading"])
	assert.Equal(t, "print('hi')", uploaded["protocol"])
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestSendAction_NoAwaitReturnsRunning(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /action/measure", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"action_id": "act_1"})
	})
	mux.HandleFunc("POST /action/measure/act_1/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &types.ActionResult{ActionID: "act_1", Status: types.ActionRunning})
	})

	client := newTestClient(t, mux)
	result, err := client.SendAction(context.Background(), &types.ActionRequest{ActionName: "measure"}, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ActionRunning, result.Status)
}

func TestSendAction_AwaitTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /action/measure", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"action_id": "act_1"})
	})
	mux.HandleFunc("POST /action/measure/act_1/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &types.ActionResult{ActionID: "act_1", Status: types.ActionRunning})
	})
	mux.HandleFunc("GET /action/act_1/result", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &types.ActionResult{ActionID: "act_1", Status: types.ActionRunning})
	})

	client := newTestClient(t, mux)
	_, err := client.SendAction(context.Background(), &types.ActionRequest{ActionName: "measure"}, true, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
}

func TestSendAction_StartFailurePropagates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /action/measure", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"action_id": "act_1"})
	})
	mux.HandleFunc("POST /action/measure/act_1/start", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node is locked", http.StatusConflict)
	})

	client := newTestClient(t, mux)
	req := &types.ActionRequest{ActionName: "measure"}
	_, err := client.SendAction(context.Background(), req, true, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 409")
	// The action ID survives so the caller can reconcile later.
	assert.Equal(t, "act_1", req.ActionID)
}

func TestGetActionResult_BinaryBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /action/act_1/result", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(HeaderActionID, "act_1")
		w.Header().Set(HeaderStatus, string(types.ActionSucceeded))
		w.Header().Set(HeaderFiles, `{"report": "report.pdf"}`)
		w.Header().Set(HeaderData, `{"pages": 3}`)
		_, _ = w.Write([]byte("%PDF-1.4"))
	})

	client := newTestClient(t, mux)
	result, err := client.GetActionResult(context.Background(), "act_1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, result.Status)
	assert.Equal(t, float64(3), result.Data["pages"])

	path := result.Files["report"]
	require.NotEmpty(t, path)
	assert.Equal(t, "report.pdf", filepath.Base(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(content))
}

func TestGetActionResult_ZipBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{"gel_image.png": "png-bytes", "readings.csv": "a,b"} {
		member, err := zw.Create(name)
		require.NoError(t, err)
		_, err = member.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /action/act_1/result", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set(HeaderActionID, "act_1")
		w.Header().Set(HeaderStatus, string(types.ActionSucceeded))
		_, _ = w.Write(buf.Bytes())
	})

	client := newTestClient(t, mux)
	result, err := client.GetActionResult(context.Background(), "act_1")
	require.NoError(t, err)
	require.Len(t, result.Files, 2)

	content, err := os.ReadFile(result.Files["gel_image"])
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))
	content, err = os.ReadFile(result.Files["readings"])
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(content))
}

func TestNodeEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		status := &types.NodeStatus{Busy: true}
		status.Refresh()
		writeJSON(w, status)
	})
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"temperature_c": 37.0})
	})
	mux.HandleFunc("POST /admin/pause", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &types.AdminCommandResponse{Success: true})
	})
	mux.HandleFunc("POST /config", func(w http.ResponseWriter, r *http.Request) {
		var config map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&config))
		writeJSON(w, &types.NodeSetConfigResponse{Accepted: map[string]bool{"gain": true}})
	})

	client := newTestClient(t, mux)
	ctx := context.Background()

	status, err := client.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Busy)

	state, err := client.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 37.0, state["temperature_c"])

	admin, err := client.SendAdminCommand(ctx, types.AdminPause)
	require.NoError(t, err)
	assert.True(t, admin.Success)

	cfg, err := client.SetConfig(ctx, map[string]any{"gain": 2.0})
	require.NoError(t, err)
	assert.True(t, cfg.Accepted["gain"])
}
