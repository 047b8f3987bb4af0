package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeStatus_Refresh(t *testing.T) {
	status := &NodeStatus{}
	status.Refresh()
	assert.True(t, status.Ready)
	assert.Equal(t, "ready", status.Description)

	status.Paused = true
	status.Refresh()
	assert.False(t, status.Ready)
	assert.Contains(t, status.Description, "paused")

	status = &NodeStatus{WaitingForConfig: map[string]bool{"port": true}}
	status.Refresh()
	assert.False(t, status.Ready)
	assert.Contains(t, status.Description, "waiting for config")
}

func TestNodeStatus_CanAcceptAction(t *testing.T) {
	status := &NodeStatus{}
	status.Refresh()
	assert.True(t, status.CanAcceptAction())

	// Busy does not clear Ready but blocks dispatch.
	status.Busy = true
	status.RunningActions = map[string]bool{"a1": true}
	status.Refresh()
	assert.True(t, status.Ready)
	assert.False(t, status.CanAcceptAction())

	status = &NodeStatus{Errored: true, Errors: []Error{NewError(ErrActionFailed, "boom")}}
	status.Refresh()
	assert.False(t, status.CanAcceptAction())
	assert.Contains(t, status.Description, "errored")
}

func TestNodeInfo_SupportsAdminCommand(t *testing.T) {
	info := &NodeInfo{AdminCommands: []AdminCommand{AdminPause, AdminResume}}
	assert.True(t, info.SupportsAdminCommand(AdminPause))
	assert.False(t, info.SupportsAdminCommand(AdminSafetyStop))
}

func TestActionStatus_Terminal(t *testing.T) {
	assert.True(t, ActionSucceeded.Terminal())
	assert.True(t, ActionFailed.Terminal())
	assert.True(t, ActionCancelled.Terminal())
	assert.False(t, ActionRunning.Terminal())
	assert.False(t, ActionUnknown.Terminal())
	assert.False(t, ActionNotStarted.Terminal())
}
