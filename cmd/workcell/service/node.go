package service

import (
	"context"
	"time"

	"github.com/madsci/workcell/cmd/workcell/engine"
	"github.com/madsci/workcell/cmd/workcell/state"
	"github.com/madsci/workcell/common/types"
)

// NodeService manages the node registry: registration, periodic status
// polling and admin command fan-out.
type NodeService struct {
	state     *state.Handler
	clientFor engine.ClientFactory
	logger    Logger
}

// NewNodeService creates a node service.
func NewNodeService(stateHandler *state.Handler, clientFor engine.ClientFactory, logger Logger) *NodeService {
	return &NodeService{
		state:     stateHandler,
		clientFor: clientFor,
		logger:    logger,
	}
}

// Register adds a node to the registry, fetching its info and status over
// the wire.
func (s *NodeService) Register(ctx context.Context, nodeName, nodeURL string) (*types.NodeRegistryEntry, error) {
	client := s.clientFor(nodeURL)

	info, err := client.GetInfo(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrTransport, "failed to reach node %q at %s: %v", nodeName, nodeURL, err)
	}
	status, err := client.GetStatus(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrTransport, "failed to fetch status of node %q: %v", nodeName, err)
	}

	entry := &types.NodeRegistryEntry{
		NodeName: nodeName,
		NodeURL:  nodeURL,
		Info:     info,
		Status:   status,
	}
	if err := s.state.RegisterNode(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("node registered", "node", nodeName, "url", nodeURL, "module", info.Module.Name)
	return entry, nil
}

// Get fetches a registry entry.
func (s *NodeService) Get(ctx context.Context, nodeName string) (*types.NodeRegistryEntry, error) {
	entry, found, err := s.state.GetNode(ctx, nodeName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewError(types.ErrUnknownNode, "node not registered: %s", nodeName)
	}
	return entry, nil
}

// List returns the whole registry.
func (s *NodeService) List(ctx context.Context) (map[string]*types.NodeRegistryEntry, error) {
	return s.state.ListNodes(ctx)
}

// Remove drops a node from the registry.
func (s *NodeService) Remove(ctx context.Context, nodeName string) error {
	return s.state.RemoveNode(ctx, nodeName)
}

// SendAdminCommand forwards an admin command to a node, rejecting commands
// the node never declared.
func (s *NodeService) SendAdminCommand(ctx context.Context, nodeName string, cmd types.AdminCommand) (*types.AdminCommandResponse, error) {
	entry, err := s.Get(ctx, nodeName)
	if err != nil {
		return nil, err
	}
	if entry.Info != nil && !entry.Info.SupportsAdminCommand(cmd) {
		return &types.AdminCommandResponse{
			Errors: []types.Error{types.NewError(types.ErrAdminCommandNotImplemented,
				"node %q does not support admin command %q", nodeName, cmd)},
		}, nil
	}
	return s.clientFor(entry.NodeURL).SendAdminCommand(ctx, cmd)
}

// SyncAll refreshes every registered node's cached status. Unreachable nodes
// keep their last status but get an errored marker so the scheduler stops
// dispatching to them.
func (s *NodeService) SyncAll(ctx context.Context) {
	nodes, err := s.state.ListNodes(ctx)
	if err != nil {
		s.logger.Error("failed to list nodes for sync", "error", err)
		return
	}
	for name, entry := range nodes {
		status, err := s.clientFor(entry.NodeURL).GetStatus(ctx)
		if err != nil {
			s.logger.Warn("node unreachable", "node", name, "error", err)
			status = &types.NodeStatus{
				Errored: true,
				Errors:  []types.Error{types.NewError(types.ErrTransport, "node unreachable: %v", err)},
			}
			status.Refresh()
		}
		if err := s.state.UpdateNodeStatus(ctx, name, status); err != nil {
			s.logger.Error("failed to update node status", "node", name, "error", err)
		}
	}
}

// StartPoller refreshes node statuses on an interval until the context ends.
func (s *NodeService) StartPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SyncAll(ctx)
			}
		}
	}()
}
