package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/madsci/workcell/common/types"
)

// MemoryStore keeps workcell state in process. Used by tests and
// single-process deployments; semantics mirror RedisStore, including the
// copy-on-read behavior callers get from JSON round-trips.
type MemoryStore struct {
	mu        sync.Mutex
	active    map[string]string
	archive   map[string]string
	queue     []string
	nodes     map[string]string
	locations map[string]string
	workcell  string

	locks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:    map[string]string{},
		archive:   map[string]string{},
		nodes:     map[string]string{},
		locations: map[string]string{},
		locks:     map[string]*sync.Mutex{},
	}
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *types.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[wf.WorkflowID] = string(data)
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, bool, error) {
	s.mu.Lock()
	raw, found := s.active[workflowID]
	if !found {
		raw, found = s.archive[workflowID]
	}
	s.mu.Unlock()
	if !found {
		return nil, false, nil
	}
	var wf types.Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return nil, false, err
	}
	return &wf, true, nil
}

func (s *MemoryStore) ListActiveWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return s.listWorkflows(s.active)
}

func (s *MemoryStore) ListArchivedWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return s.listWorkflows(s.archive)
}

func (s *MemoryStore) listWorkflows(collection map[string]string) ([]*types.Workflow, error) {
	s.mu.Lock()
	raws := make([]string, 0, len(collection))
	for _, raw := range collection {
		raws = append(raws, raw)
	}
	s.mu.Unlock()

	workflows := make([]*types.Workflow, 0, len(raws))
	for _, raw := range raws {
		var wf types.Workflow
		if err := json.Unmarshal([]byte(raw), &wf); err != nil {
			return nil, err
		}
		workflows = append(workflows, &wf)
	}
	return workflows, nil
}

func (s *MemoryStore) ArchiveWorkflow(ctx context.Context, wf *types.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive[wf.WorkflowID] = string(data)
	delete(s.active, wf.WorkflowID)
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.queue {
		if id == workflowID {
			return nil
		}
	}
	s.queue = append(s.queue, workflowID)
	return nil
}

func (s *MemoryStore) RemoveFromQueue(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue[:0]
	for _, id := range s.queue {
		if id != workflowID {
			out = append(out, id)
		}
	}
	s.queue = out
	return nil
}

func (s *MemoryStore) Queue(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queue))
	copy(out, s.queue)
	return out, nil
}

func (s *MemoryStore) SaveNode(ctx context.Context, entry *types.NodeRegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[entry.NodeName] = string(data)
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeName string) (*types.NodeRegistryEntry, bool, error) {
	s.mu.Lock()
	raw, found := s.nodes[nodeName]
	s.mu.Unlock()
	if !found {
		return nil, false, nil
	}
	var entry types.NodeRegistryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) (map[string]*types.NodeRegistryEntry, error) {
	s.mu.Lock()
	raws := make(map[string]string, len(s.nodes))
	for name, raw := range s.nodes {
		raws[name] = raw
	}
	s.mu.Unlock()

	nodes := make(map[string]*types.NodeRegistryEntry, len(raws))
	for name, raw := range raws {
		var entry types.NodeRegistryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, err
		}
		nodes[name] = &entry
	}
	return nodes, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, nodeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeName)
	return nil
}

func (s *MemoryStore) SaveLocation(ctx context.Context, loc *types.Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[loc.LocationID] = string(data)
	return nil
}

func (s *MemoryStore) GetLocation(ctx context.Context, locationID string) (*types.Location, bool, error) {
	s.mu.Lock()
	raw, found := s.locations[locationID]
	s.mu.Unlock()
	if !found {
		return nil, false, nil
	}
	var loc types.Location
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return nil, false, err
	}
	return &loc, true, nil
}

func (s *MemoryStore) ListLocations(ctx context.Context) ([]*types.Location, error) {
	s.mu.Lock()
	raws := make([]string, 0, len(s.locations))
	for _, raw := range s.locations {
		raws = append(raws, raw)
	}
	s.mu.Unlock()

	locations := make([]*types.Location, 0, len(raws))
	for _, raw := range raws {
		var loc types.Location
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			return nil, err
		}
		locations = append(locations, &loc)
	}
	return locations, nil
}

func (s *MemoryStore) DeleteLocation(ctx context.Context, locationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locations, locationID)
	return nil
}

func (s *MemoryStore) SaveWorkcell(ctx context.Context, def *types.WorkcellDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workcell = string(data)
	return nil
}

func (s *MemoryStore) GetWorkcell(ctx context.Context) (*types.WorkcellDefinition, bool, error) {
	s.mu.Lock()
	raw := s.workcell
	s.mu.Unlock()
	if raw == "" {
		return nil, false, nil
	}
	var def types.WorkcellDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, false, err
	}
	return &def, true, nil
}

func (s *MemoryStore) LockWorkflow(ctx context.Context, workflowID string, ttl time.Duration) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[workflowID] = lock
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		lock.Lock()
		close(done)
	}()
	select {
	case <-done:
		return lock.Unlock, nil
	case <-ctx.Done():
		// Abandon the goroutine's eventual acquisition by unlocking it.
		go func() {
			<-done
			lock.Unlock()
		}()
		return nil, fmt.Errorf("timed out waiting for workflow lock %s: %w", workflowID, ctx.Err())
	}
}
