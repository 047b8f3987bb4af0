package types

// ActionStatus is the lifecycle state of a single action or step.
type ActionStatus string

const (
	ActionNotStarted ActionStatus = "NOT_STARTED"
	ActionRunning    ActionStatus = "RUNNING"
	ActionSucceeded  ActionStatus = "SUCCEEDED"
	ActionFailed     ActionStatus = "FAILED"
	ActionCancelled  ActionStatus = "CANCELLED"
	ActionUnknown    ActionStatus = "UNKNOWN"
	ActionNotReady   ActionStatus = "NOT_READY"
	ActionPaused     ActionStatus = "PAUSED"
)

// Terminal reports whether the status is final.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionCancelled:
		return true
	}
	return false
}

// ActionRequest is what the engine sends to a node to start an action.
type ActionRequest struct {
	ActionID   string            `json:"action_id"`
	ActionName string            `json:"action_name"`
	Args       map[string]any    `json:"args,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
}

// ActionResult is the uniform carrier for action outcomes. Data holds JSON
// values keyed by result label, Files holds paths on the node side and
// datapoint-backed paths on the manager side, Datapoints holds promoted
// datapoint IDs.
type ActionResult struct {
	ActionID   string            `json:"action_id"`
	Status     ActionStatus      `json:"status"`
	Errors     []Error           `json:"errors,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
	Datapoints map[string]string `json:"datapoints,omitempty"`
}

// Succeeded returns a successful result for the given action.
func Succeeded(actionID string) *ActionResult {
	return &ActionResult{
		ActionID: actionID,
		Status:   ActionSucceeded,
		Data:     map[string]any{},
		Files:    map[string]string{},
	}
}

// Failed returns a failed result carrying the given errors.
func Failed(actionID string, errs ...Error) *ActionResult {
	return &ActionResult{
		ActionID: actionID,
		Status:   ActionFailed,
		Errors:   errs,
	}
}

// ArgumentDefinition declares one JSON argument of an action.
type ArgumentDefinition struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// FileArgumentDefinition declares one file argument of an action.
type FileArgumentDefinition struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// ResultDefinition declares one labeled result an action may produce.
type ResultDefinition struct {
	Label       string `json:"label"`
	Type        string `json:"type"` // "json" or "file"
	Description string `json:"description,omitempty"`
}

// ActionDefinition is the declarative schema of a node action. Adapters
// register these explicitly; no reflection crosses the wire.
type ActionDefinition struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Args        []ArgumentDefinition     `json:"args,omitempty"`
	Files       []FileArgumentDefinition `json:"files,omitempty"`
	Results     []ResultDefinition       `json:"result_definitions,omitempty"`
	Blocking    bool                     `json:"blocking"`
}

// Arg returns the argument definition by name.
func (d *ActionDefinition) Arg(name string) (ArgumentDefinition, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgumentDefinition{}, false
}
