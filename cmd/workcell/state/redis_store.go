package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisWrapper "github.com/madsci/workcell/common/redis"
	"github.com/madsci/workcell/common/types"
)

// Redis key layout. Workflows live in two hashes keyed by workflow ID, the
// queue is a list of IDs, nodes and locations are hashes, the workcell
// definition is a plain key.
const (
	keyWorkflowsActive  = "workcell:workflows:active"
	keyWorkflowsArchive = "workcell:workflows:archive"
	keyQueue            = "workcell:queue"
	keyNodes            = "workcell:nodes"
	keyLocations        = "workcell:locations"
	keyWorkcell         = "workcell:definition"
	keyLockPrefix       = "workcell:lock:workflow:"
)

// RedisStore persists workcell state in Redis.
type RedisStore struct {
	redis  *redisWrapper.Client
	logger Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redisWrapper.Client, logger Logger) *RedisStore {
	return &RedisStore{
		redis:  client,
		logger: logger,
	}
}

func (s *RedisStore) SaveWorkflow(ctx context.Context, wf *types.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", wf.WorkflowID, err)
	}
	return s.redis.SetHash(ctx, keyWorkflowsActive, wf.WorkflowID, string(data))
}

func (s *RedisStore) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, bool, error) {
	for _, key := range []string{keyWorkflowsActive, keyWorkflowsArchive} {
		raw, found, err := s.redis.GetHash(ctx, key, workflowID)
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		var wf types.Workflow
		if err := json.Unmarshal([]byte(raw), &wf); err != nil {
			return nil, false, fmt.Errorf("failed to decode workflow %s: %w", workflowID, err)
		}
		return &wf, true, nil
	}
	return nil, false, nil
}

func (s *RedisStore) ListActiveWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return s.listWorkflows(ctx, keyWorkflowsActive)
}

func (s *RedisStore) ListArchivedWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return s.listWorkflows(ctx, keyWorkflowsArchive)
}

func (s *RedisStore) listWorkflows(ctx context.Context, key string) ([]*types.Workflow, error) {
	all, err := s.redis.GetAllHash(ctx, key)
	if err != nil {
		return nil, err
	}
	workflows := make([]*types.Workflow, 0, len(all))
	for id, raw := range all {
		var wf types.Workflow
		if err := json.Unmarshal([]byte(raw), &wf); err != nil {
			return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
		}
		workflows = append(workflows, &wf)
	}
	return workflows, nil
}

// ArchiveWorkflow moves a workflow from the active hash to the archive hash.
func (s *RedisStore) ArchiveWorkflow(ctx context.Context, wf *types.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", wf.WorkflowID, err)
	}
	if err := s.redis.SetHash(ctx, keyWorkflowsArchive, wf.WorkflowID, string(data)); err != nil {
		return err
	}
	return s.redis.DeleteHash(ctx, keyWorkflowsActive, wf.WorkflowID)
}

// Enqueue appends a workflow ID unless it is already queued.
func (s *RedisStore) Enqueue(ctx context.Context, workflowID string) error {
	queued, err := s.Queue(ctx)
	if err != nil {
		return err
	}
	for _, id := range queued {
		if id == workflowID {
			return nil
		}
	}
	return s.redis.PushToList(ctx, keyQueue, workflowID)
}

func (s *RedisStore) RemoveFromQueue(ctx context.Context, workflowID string) error {
	return s.redis.RemoveFromList(ctx, keyQueue, workflowID)
}

func (s *RedisStore) Queue(ctx context.Context) ([]string, error) {
	return s.redis.ListRange(ctx, keyQueue, 0, -1)
}

func (s *RedisStore) SaveNode(ctx context.Context, entry *types.NodeRegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", entry.NodeName, err)
	}
	return s.redis.SetHash(ctx, keyNodes, entry.NodeName, string(data))
}

func (s *RedisStore) GetNode(ctx context.Context, nodeName string) (*types.NodeRegistryEntry, bool, error) {
	raw, found, err := s.redis.GetHash(ctx, keyNodes, nodeName)
	if err != nil || !found {
		return nil, false, err
	}
	var entry types.NodeRegistryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode node %s: %w", nodeName, err)
	}
	return &entry, true, nil
}

func (s *RedisStore) ListNodes(ctx context.Context) (map[string]*types.NodeRegistryEntry, error) {
	all, err := s.redis.GetAllHash(ctx, keyNodes)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*types.NodeRegistryEntry, len(all))
	for name, raw := range all {
		var entry types.NodeRegistryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode node %s: %w", name, err)
		}
		nodes[name] = &entry
	}
	return nodes, nil
}

func (s *RedisStore) DeleteNode(ctx context.Context, nodeName string) error {
	return s.redis.DeleteHash(ctx, keyNodes, nodeName)
}

func (s *RedisStore) SaveLocation(ctx context.Context, loc *types.Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to encode location %s: %w", loc.LocationID, err)
	}
	return s.redis.SetHash(ctx, keyLocations, loc.LocationID, string(data))
}

func (s *RedisStore) GetLocation(ctx context.Context, locationID string) (*types.Location, bool, error) {
	raw, found, err := s.redis.GetHash(ctx, keyLocations, locationID)
	if err != nil || !found {
		return nil, false, err
	}
	var loc types.Location
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return nil, false, fmt.Errorf("failed to decode location %s: %w", locationID, err)
	}
	return &loc, true, nil
}

func (s *RedisStore) ListLocations(ctx context.Context) ([]*types.Location, error) {
	all, err := s.redis.GetAllHash(ctx, keyLocations)
	if err != nil {
		return nil, err
	}
	locations := make([]*types.Location, 0, len(all))
	for id, raw := range all {
		var loc types.Location
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			return nil, fmt.Errorf("failed to decode location %s: %w", id, err)
		}
		locations = append(locations, &loc)
	}
	return locations, nil
}

func (s *RedisStore) DeleteLocation(ctx context.Context, locationID string) error {
	return s.redis.DeleteHash(ctx, keyLocations, locationID)
}

func (s *RedisStore) SaveWorkcell(ctx context.Context, def *types.WorkcellDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode workcell definition: %w", err)
	}
	return s.redis.Set(ctx, keyWorkcell, string(data), 0)
}

func (s *RedisStore) GetWorkcell(ctx context.Context) (*types.WorkcellDefinition, bool, error) {
	raw, found, err := s.redis.Get(ctx, keyWorkcell)
	if err != nil || !found {
		return nil, false, err
	}
	var def types.WorkcellDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, false, fmt.Errorf("failed to decode workcell definition: %w", err)
	}
	return &def, true, nil
}

// LockWorkflow takes the per-workflow mutation lock with SETNX, spinning with
// a short backoff until acquired or the context ends. The lock carries a
// token so only the holder's release deletes it.
func (s *RedisStore) LockWorkflow(ctx context.Context, workflowID string, ttl time.Duration) (func(), error) {
	key := keyLockPrefix + workflowID
	token := uuid.NewString()

	for {
		acquired, err := s.redis.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for workflow lock %s: %w", workflowID, ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}

	release := func() {
		current, found, err := s.redis.Get(context.Background(), key)
		if err != nil || !found || current != token {
			return
		}
		if err := s.redis.Delete(context.Background(), key); err != nil {
			s.logger.Warn("failed to release workflow lock", "workflow_id", workflowID, "error", err)
		}
	}
	return release, nil
}
