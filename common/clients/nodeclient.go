package clients

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/madsci/workcell/common/types"
)

// Result metadata headers used when a node answers an action with a binary
// body instead of a JSON envelope.
const (
	HeaderStatus     = "x-madsci-status"
	HeaderActionID   = "x-madsci-action-id"
	HeaderErrors     = "x-madsci-errors"
	HeaderFiles      = "x-madsci-files"
	HeaderDatapoints = "x-madsci-datapoints"
	HeaderData       = "x-madsci-data"
)

// ErrAwaitTimeout is returned when an awaited action does not reach a
// terminal status within the caller's timeout.
var ErrAwaitTimeout = errors.New("timed out waiting for action result")

// NodeClient is the transport-abstract interface the engine uses to talk to
// a node. Implementations surface transport errors verbatim.
type NodeClient interface {
	Capabilities() types.NodeClientCapabilities
	GetInfo(ctx context.Context) (*types.NodeInfo, error)
	GetStatus(ctx context.Context) (*types.NodeStatus, error)
	GetState(ctx context.Context) (map[string]any, error)
	GetLog(ctx context.Context) (map[string]types.Event, error)
	SendAction(ctx context.Context, req *types.ActionRequest, awaitResult bool, timeout time.Duration) (*types.ActionResult, error)
	GetActionResult(ctx context.Context, actionID string) (*types.ActionResult, error)
	SetConfig(ctx context.Context, config map[string]any) (*types.NodeSetConfigResponse, error)
	SendAdminCommand(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error)
}

// RestNodeClientOpts configures a RestNodeClient.
type RestNodeClientOpts struct {
	BaseURL string
	Logger  Logger
	// Retry enables the doubling-timeout retry loop on transport timeouts.
	Retry bool
	// MaxRetries caps the retry loop. Zero means a single attempt.
	MaxRetries int
	// PollInitial/PollMax bound the result polling backoff.
	PollInitial time.Duration
	PollMax     time.Duration
	// DownloadDir receives binary result files. Defaults to the OS temp dir.
	DownloadDir string
}

// RestNodeClient talks to a node over the canonical REST surface.
type RestNodeClient struct {
	baseURL     string
	http        *http.Client
	logger      Logger
	retry       bool
	maxRetries  int
	pollInitial time.Duration
	pollMax     time.Duration
	downloadDir string
}

// NewRestNodeClient creates a REST node client.
func NewRestNodeClient(opts RestNodeClientOpts) *RestNodeClient {
	pollInitial := opts.PollInitial
	if pollInitial <= 0 {
		pollInitial = 250 * time.Millisecond
	}
	pollMax := opts.PollMax
	if pollMax <= 0 {
		pollMax = 5 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	downloadDir := opts.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	return &RestNodeClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		http:        &http.Client{},
		logger:      opts.Logger,
		retry:       opts.Retry,
		maxRetries:  maxRetries,
		pollInitial: pollInitial,
		pollMax:     pollMax,
		downloadDir: downloadDir,
	}
}

// Capabilities reports what the REST transport supports.
func (c *RestNodeClient) Capabilities() types.NodeClientCapabilities {
	return types.NodeClientCapabilities{
		GetInfo:           true,
		GetStatus:         true,
		GetState:          true,
		SendAction:        true,
		GetActionResult:   true,
		ActionFiles:       true,
		SendAdminCommands: true,
		SetConfig:         true,
		GetLog:            true,
	}
}

// GetInfo fetches the node's self-description.
func (c *RestNodeClient) GetInfo(ctx context.Context) (*types.NodeInfo, error) {
	var info types.NodeInfo
	if err := c.getJSON(ctx, "/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetStatus fetches the node's operational status.
func (c *RestNodeClient) GetStatus(ctx context.Context) (*types.NodeStatus, error) {
	var status types.NodeStatus
	if err := c.getJSON(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetState fetches the node's free-form instrument state.
func (c *RestNodeClient) GetState(ctx context.Context) (map[string]any, error) {
	var state map[string]any
	if err := c.getJSON(ctx, "/state", &state); err != nil {
		return nil, err
	}
	return state, nil
}

// GetLog fetches the node's recent events.
func (c *RestNodeClient) GetLog(ctx context.Context) (map[string]types.Event, error) {
	var log map[string]types.Event
	if err := c.getJSON(ctx, "/log", &log); err != nil {
		return nil, err
	}
	return log, nil
}

// SetConfig pushes a partial config to the node.
func (c *RestNodeClient) SetConfig(ctx context.Context, config map[string]any) (*types.NodeSetConfigResponse, error) {
	var resp types.NodeSetConfigResponse
	if err := c.postJSON(ctx, "/config", config, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendAdminCommand invokes an admin command on the node.
func (c *RestNodeClient) SendAdminCommand(ctx context.Context, cmd types.AdminCommand) (*types.AdminCommandResponse, error) {
	var resp types.AdminCommandResponse
	if err := c.postJSON(ctx, "/admin/"+string(cmd), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendAction performs the three-phase lifecycle (create, upload, start).
// With awaitResult set it polls until the result is terminal or the timeout
// elapses, backing off exponentially from the configured initial interval.
func (c *RestNodeClient) SendAction(ctx context.Context, req *types.ActionRequest, awaitResult bool, timeout time.Duration) (*types.ActionResult, error) {
	actionID, err := c.createAction(ctx, req)
	if err != nil {
		return nil, err
	}
	req.ActionID = actionID

	for arg, path := range req.Files {
		if err := c.uploadFile(ctx, req.ActionName, actionID, arg, path); err != nil {
			return nil, fmt.Errorf("failed to upload file %s: %w", arg, err)
		}
	}

	result, err := c.startAction(ctx, req.ActionName, actionID)
	if err != nil {
		return nil, err
	}

	if !awaitResult || result.Status.Terminal() {
		return result, nil
	}

	deadline := time.Now().Add(timeout)
	interval := c.pollInitial
	for {
		if time.Now().After(deadline) {
			return result, fmt.Errorf("%w: action %s after %s", ErrAwaitTimeout, actionID, timeout)
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(interval):
		}

		result, err = c.GetActionResult(ctx, actionID)
		if err != nil {
			return nil, err
		}
		if result.Status.Terminal() {
			return result, nil
		}

		interval = time.Duration(float64(interval) * 1.5)
		if interval > c.pollMax {
			interval = c.pollMax
		}
	}
}

// GetActionResult fetches the result for an action; idempotent once the
// action is terminal.
func (c *RestNodeClient) GetActionResult(ctx context.Context, actionID string) (*types.ActionResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/action/"+actionID+"/result", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	return c.parseActionResponse(resp)
}

func (c *RestNodeClient) createAction(ctx context.Context, req *types.ActionRequest) (string, error) {
	body, err := json.Marshal(req.Args)
	if err != nil {
		return "", fmt.Errorf("failed to encode action args: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/action/"+req.ActionName, bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", httpError(resp)
	}
	var created struct {
		ActionID string `json:"action_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	return created.ActionID, nil
}

func (c *RestNodeClient) uploadFile(ctx context.Context, actionName, actionID, arg, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("/action/%s/%s/upload/%s", actionName, actionID, arg)
	resp, err := c.do(ctx, http.MethodPost, url, &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func (c *RestNodeClient) startAction(ctx context.Context, actionName, actionID string) (*types.ActionResult, error) {
	url := fmt.Sprintf("/action/%s/%s/start", actionName, actionID)
	resp, err := c.do(ctx, http.MethodPost, url, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	return c.parseActionResponse(resp)
}

// parseActionResponse decodes either a JSON ActionResult or a binary file
// response with metadata in headers. Binary bodies are staged under the
// client's download directory and referenced from the result's Files map.
func (c *RestNodeClient) parseActionResponse(resp *http.Response) (*types.ActionResult, error) {
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var result types.ActionResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode action result: %w", err)
		}
		return &result, nil
	}

	result := &types.ActionResult{
		ActionID: resp.Header.Get(HeaderActionID),
		Status:   types.ActionStatus(resp.Header.Get(HeaderStatus)),
	}
	if raw := resp.Header.Get(HeaderErrors); raw != "" {
		if err := json.Unmarshal([]byte(raw), &result.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode %s header: %w", HeaderErrors, err)
		}
	}
	if raw := resp.Header.Get(HeaderData); raw != "" {
		if err := json.Unmarshal([]byte(raw), &result.Data); err != nil {
			return nil, fmt.Errorf("failed to decode %s header: %w", HeaderData, err)
		}
	}
	if raw := resp.Header.Get(HeaderDatapoints); raw != "" {
		if err := json.Unmarshal([]byte(raw), &result.Datapoints); err != nil {
			return nil, fmt.Errorf("failed to decode %s header: %w", HeaderDatapoints, err)
		}
	}

	var labels map[string]string
	if raw := resp.Header.Get(HeaderFiles); raw != "" {
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			return nil, fmt.Errorf("failed to decode %s header: %w", HeaderFiles, err)
		}
	}

	files, err := c.stageBinaryBody(resp.Body, contentType, result.ActionID, labels)
	if err != nil {
		return nil, err
	}
	result.Files = files
	return result, nil
}

// stageBinaryBody writes the response body to disk. Zip bodies are expanded
// with member names matched against the declared file-result labels; single
// files bind to the sole declared label.
func (c *RestNodeClient) stageBinaryBody(body io.Reader, contentType, actionID string, labels map[string]string) (map[string]string, error) {
	dir := filepath.Join(c.downloadDir, "action_"+actionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	if strings.HasPrefix(contentType, "application/zip") {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to open result zip: %w", err)
		}
		files := make(map[string]string, len(zr.File))
		for _, member := range zr.File {
			dest := filepath.Join(dir, filepath.Base(member.Name))
			rc, err := member.Open()
			if err != nil {
				return nil, err
			}
			out, err := os.Create(dest)
			if err != nil {
				rc.Close()
				return nil, err
			}
			if _, err := io.Copy(out, rc); err != nil {
				out.Close()
				rc.Close()
				return nil, err
			}
			out.Close()
			rc.Close()
			label := strings.TrimSuffix(filepath.Base(member.Name), filepath.Ext(member.Name))
			files[label] = dest
		}
		return files, nil
	}

	// Single file; bind to the sole label if one was declared.
	label := "result"
	filename := "result"
	for l, name := range labels {
		label = l
		if name != "" {
			filename = filepath.Base(name)
		}
	}
	dest := filepath.Join(dir, filename)
	out, err := os.Create(dest)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	if _, err := io.Copy(out, body); err != nil {
		return nil, err
	}
	return map[string]string{label: dest}, nil
}

func (c *RestNodeClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RestNodeClient) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, http.MethodPost, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// do executes a request. Transport timeouts are retried with a doubling
// per-attempt timeout (10s, 20s, ...) up to the configured cap when retry is
// enabled; HTTP errors propagate without retry.
func (c *RestNodeClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	attempts := 1
	if c.retry {
		attempts = c.maxRetries
	}

	// Replayable requests buffer the body once up front.
	var payload []byte
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}

	attemptTimeout := 10 * time.Second
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
		if err != nil {
			cancel()
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err == nil {
			// Keep the body readable after cancel by tying cleanup to body close.
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		cancel()

		if !isTimeout(err) {
			return nil, err
		}
		lastErr = err
		if c.logger != nil {
			c.logger.Warn("node request timed out, retrying",
				"path", path,
				"attempt", attempt+1,
				"timeout", attemptTimeout,
			)
		}
		attemptTimeout *= 2
	}
	return nil, fmt.Errorf("node request failed after %d attempts: %w", attempts, lastErr)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("node returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
