package types

// Location is a named physical position with per-node representations. The
// engine consults representations when a step binds to a location rather
// than a node-native coordinate.
type Location struct {
	LocationID      string         `json:"location_id"`
	Name            string         `json:"name"`
	Representations map[string]any `json:"representations,omitempty"`
	ResourceID      string         `json:"resource_id,omitempty"`
}

// WorkcellDefinition describes the workcell the manager coordinates.
type WorkcellDefinition struct {
	WorkcellID  string            `json:"workcell_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Nodes       map[string]string `json:"nodes,omitempty"` // node name -> URL
}

// WorkcellState is the composed snapshot served by the control plane.
type WorkcellState struct {
	Workflows map[string]*Workflow          `json:"workflows"`
	Nodes     map[string]*NodeRegistryEntry `json:"nodes"`
	Locations map[string]*Location          `json:"locations"`
}
