package types

import (
	"fmt"
	"strings"
	"time"
)

// AdminCommand is one of the fixed operational signals a node may support.
type AdminCommand string

const (
	AdminReset      AdminCommand = "reset"
	AdminShutdown   AdminCommand = "shutdown"
	AdminPause      AdminCommand = "pause"
	AdminResume     AdminCommand = "resume"
	AdminCancel     AdminCommand = "cancel"
	AdminLock       AdminCommand = "lock"
	AdminUnlock     AdminCommand = "unlock"
	AdminSafetyStop AdminCommand = "safety_stop"
)

// AdminCommands is the full vocabulary, used to reject unknown commands
// before dispatch.
var AdminCommands = map[AdminCommand]bool{
	AdminReset:      true,
	AdminShutdown:   true,
	AdminPause:      true,
	AdminResume:     true,
	AdminCancel:     true,
	AdminLock:       true,
	AdminUnlock:     true,
	AdminSafetyStop: true,
}

// AdminCommandResponse reports the outcome of an admin command.
type AdminCommandResponse struct {
	Success bool    `json:"success"`
	Errors  []Error `json:"errors,omitempty"`
}

// NodeSetConfigResponse reports per-key acceptance of a partial config push.
type NodeSetConfigResponse struct {
	Accepted      map[string]bool `json:"accepted"`
	ResetRequired bool            `json:"reset_required"`
}

// NodeStatus is the operational snapshot of a node. Ready and Description
// are derived; call Refresh after mutating the flags.
type NodeStatus struct {
	Ready            bool            `json:"ready"`
	Busy             bool            `json:"busy"`
	Initializing     bool            `json:"initializing"`
	Paused           bool            `json:"paused"`
	Locked           bool            `json:"locked"`
	Stopped          bool            `json:"stopped"`
	Errored          bool            `json:"errored"`
	RunningActions   map[string]bool `json:"running_actions,omitempty"`
	WaitingForConfig map[string]bool `json:"waiting_for_config,omitempty"`
	Errors           []Error         `json:"errors,omitempty"`
	Description      string          `json:"description,omitempty"`
}

// Refresh recomputes the derived Ready flag and Description from the
// primitive flags.
func (s *NodeStatus) Refresh() {
	s.Ready = !s.Initializing && !s.Paused && !s.Locked && !s.Stopped && !s.Errored && len(s.WaitingForConfig) == 0
	var parts []string
	switch {
	case s.Initializing:
		parts = append(parts, "initializing")
	case s.Stopped:
		parts = append(parts, "stopped by safety stop")
	case s.Errored:
		parts = append(parts, fmt.Sprintf("errored (%d errors)", len(s.Errors)))
	case s.Locked:
		parts = append(parts, "locked")
	case s.Paused:
		parts = append(parts, "paused")
	}
	if len(s.WaitingForConfig) > 0 {
		parts = append(parts, fmt.Sprintf("waiting for config (%d keys)", len(s.WaitingForConfig)))
	}
	if s.Busy {
		parts = append(parts, fmt.Sprintf("busy (%d running actions)", len(s.RunningActions)))
	}
	if len(parts) == 0 {
		parts = append(parts, "ready")
	}
	s.Description = strings.Join(parts, "; ")
}

// CanAcceptAction reports whether the scheduler may dispatch a step to a
// node in this state.
func (s *NodeStatus) CanAcceptAction() bool {
	return s.Ready && !s.Busy && !s.Locked && !s.Errored && !s.Stopped
}

// NodeClientCapabilities advertises which operations a node transport
// supports.
type NodeClientCapabilities struct {
	GetInfo           bool `json:"get_info"`
	GetStatus         bool `json:"get_status"`
	GetState          bool `json:"get_state"`
	SendAction        bool `json:"send_action"`
	GetActionResult   bool `json:"get_action_result"`
	GetActionHistory  bool `json:"get_action_history"`
	ActionFiles       bool `json:"action_files"`
	SendAdminCommands bool `json:"send_admin_commands"`
	SetConfig         bool `json:"set_config"`
	GetLog            bool `json:"get_log"`
	GetResources      bool `json:"get_resources"`
}

// ModuleInfo identifies the adapter implementation hosted by a node.
type ModuleInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NodeInfo is the self-description a node serves at /info.
type NodeInfo struct {
	NodeID        string                      `json:"node_id"`
	NodeName      string                      `json:"node_name"`
	NodeURL       string                      `json:"node_url,omitempty"`
	Module        ModuleInfo                  `json:"module"`
	Capabilities  NodeClientCapabilities      `json:"capabilities"`
	Actions       map[string]ActionDefinition `json:"actions"`
	AdminCommands []AdminCommand              `json:"admin_commands,omitempty"`
	ConfigValues  map[string]any              `json:"config_values,omitempty"`
}

// SupportsAdminCommand reports whether the node declared the command.
func (i *NodeInfo) SupportsAdminCommand(cmd AdminCommand) bool {
	for _, c := range i.AdminCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

// Event is one entry in a node's log.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NodeRegistryEntry is the workcell manager's record of a registered node.
type NodeRegistryEntry struct {
	NodeName string      `json:"node_name"`
	NodeURL  string      `json:"node_url"`
	Info     *NodeInfo   `json:"info,omitempty"`
	Status   *NodeStatus `json:"status,omitempty"`
	LastSeen time.Time   `json:"last_seen,omitempty"`
}
