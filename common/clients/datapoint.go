package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/madsci/workcell/common/types"
)

// DatapointClient is the engine's window into the external datapoint store.
// The store owns the bytes; the core only passes IDs around.
type DatapointClient interface {
	// CreateValue stores a JSON value datapoint and returns its ID.
	CreateValue(ctx context.Context, label string, value any) (string, error)
	// CreateFile stores a file datapoint from a local path and returns its ID.
	CreateFile(ctx context.Context, label string, path string) (string, error)
	// GetValue fetches a value datapoint by ID.
	GetValue(ctx context.Context, datapointID string) (any, error)
	// SaveFile writes a file datapoint's contents to dest.
	SaveFile(ctx context.Context, datapointID, dest string) error
}

// MemoryDatapointClient is an in-memory datapoint store for tests and
// single-process deployments.
type MemoryDatapointClient struct {
	mu     sync.RWMutex
	values map[string]any
	files  map[string]string
	labels map[string]string
}

// NewMemoryDatapointClient creates an empty in-memory datapoint store.
func NewMemoryDatapointClient() *MemoryDatapointClient {
	return &MemoryDatapointClient{
		values: make(map[string]any),
		files:  make(map[string]string),
		labels: make(map[string]string),
	}
}

func (m *MemoryDatapointClient) CreateValue(ctx context.Context, label string, value any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := types.NewID()
	m.values[id] = value
	m.labels[id] = label
	return id, nil
}

func (m *MemoryDatapointClient) CreateFile(ctx context.Context, label string, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := types.NewID()
	m.files[id] = path
	m.labels[id] = label
	return id, nil
}

func (m *MemoryDatapointClient) GetValue(ctx context.Context, datapointID string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[datapointID]
	if !ok {
		return nil, fmt.Errorf("datapoint not found: %s", datapointID)
	}
	return value, nil
}

func (m *MemoryDatapointClient) SaveFile(ctx context.Context, datapointID, dest string) error {
	m.mu.RLock()
	src, ok := m.files[datapointID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("file datapoint not found: %s", datapointID)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// FilePath returns the stored path of a file datapoint. Test helper.
func (m *MemoryDatapointClient) FilePath(datapointID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	path, ok := m.files[datapointID]
	return path, ok
}

// RestDatapointClient talks to a remote datapoint manager.
type RestDatapointClient struct {
	baseURL string
	http    *http.Client
	logger  Logger
}

// NewRestDatapointClient creates a REST datapoint client.
func NewRestDatapointClient(baseURL string, logger Logger) *RestDatapointClient {
	return &RestDatapointClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
	}
}

func (c *RestDatapointClient) CreateValue(ctx context.Context, label string, value any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"label": label,
		"type":  "value",
		"value": value,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/datapoint", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.decodeID(req)
}

func (c *RestDatapointClient) CreateFile(ctx context.Context, label string, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("label", label); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/datapoint", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.decodeID(req)
}

func (c *RestDatapointClient) GetValue(ctx context.Context, datapointID string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/datapoint/"+datapointID+"/value", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	var value any
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func (c *RestDatapointClient) SaveFile(ctx context.Context, datapointID, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/datapoint/"+datapointID+"/file", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func (c *RestDatapointClient) decodeID(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", httpError(resp)
	}
	var created struct {
		DatapointID string `json:"datapoint_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.DatapointID, nil
}
