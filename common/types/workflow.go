package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedForwardJSON and FeedForwardFile are the two feed-forward data types.
const (
	FeedForwardJSON = "json"
	FeedForwardFile = "file"
)

// StepRef identifies an upstream step either by 0-based index or by its
// user-supplied key. It unmarshals from a JSON/YAML number or string.
type StepRef struct {
	Index   int
	Key     string
	IsIndex bool
}

// StepRefIndex builds an index reference.
func StepRefIndex(i int) StepRef { return StepRef{Index: i, IsIndex: true} }

// StepRefKey builds a key reference.
func StepRefKey(k string) StepRef { return StepRef{Key: k} }

// Matches reports whether the reference points at the step with the given
// key sitting at the given index.
func (r StepRef) Matches(key string, index int) bool {
	if r.IsIndex {
		return r.Index == index
	}
	return r.Key != "" && r.Key == key
}

func (r StepRef) String() string {
	if r.IsIndex {
		return strconv.Itoa(r.Index)
	}
	return r.Key
}

func (r StepRef) MarshalJSON() ([]byte, error) {
	if r.IsIndex {
		return json.Marshal(r.Index)
	}
	return json.Marshal(r.Key)
}

func (r *StepRef) UnmarshalJSON(data []byte) error {
	var i int
	if err := json.Unmarshal(data, &i); err == nil {
		*r = StepRefIndex(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("step reference must be an index or a step key: %w", err)
	}
	*r = StepRefKey(s)
	return nil
}

func (r *StepRef) UnmarshalYAML(value *yaml.Node) error {
	var i int
	if err := value.Decode(&i); err == nil {
		*r = StepRefIndex(i)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("step reference must be an index or a step key: %w", err)
	}
	*r = StepRefKey(s)
	return nil
}

// Duration marshals as a Go duration string ("30s") in both JSON and YAML,
// and also accepts a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err == nil {
			*d = Duration(parsed)
			return nil
		}
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// ParameterInput declares a JSON input a workflow accepts at submission.
type ParameterInput struct {
	Key      string `json:"key" yaml:"key"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required bool   `json:"required" yaml:"required"`
}

// FileParameterInput declares a file input a workflow accepts at submission.
type FileParameterInput struct {
	Key      string `json:"key" yaml:"key"`
	Required bool   `json:"required" yaml:"required"`
}

// FeedForward binds a parameter key to a datapoint produced by an upstream
// step.
type FeedForward struct {
	Key      string  `json:"key" yaml:"key"`
	Step     StepRef `json:"step" yaml:"step"`
	Label    string  `json:"label,omitempty" yaml:"label,omitempty"`
	DataType string  `json:"data_type" yaml:"data_type"`
}

// WorkflowParameters is the full parameter spec of a workflow.
type WorkflowParameters struct {
	JSONInputs  []ParameterInput     `json:"json_inputs,omitempty" yaml:"json_inputs,omitempty"`
	FileInputs  []FileParameterInput `json:"file_inputs,omitempty" yaml:"file_inputs,omitempty"`
	FeedForward []FeedForward        `json:"feed_forward,omitempty" yaml:"feed_forward,omitempty"`
}

// FeedForwardKeys returns the set of parameter keys populated by
// feed-forward, used to reject conflicting user bindings.
func (p *WorkflowParameters) FeedForwardKeys() map[string]bool {
	keys := make(map[string]bool, len(p.FeedForward))
	for _, ff := range p.FeedForward {
		keys[ff.Key] = true
	}
	return keys
}

// StepParameters names the placeholders to fill just before dispatch. Each
// value is a parameter key looked up in the workflow's current bindings.
type StepParameters struct {
	Args  map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
	Files map[string]string `json:"files,omitempty" yaml:"files,omitempty"`
	Node  string            `json:"node,omitempty" yaml:"node,omitempty"`
}

// Condition is a guard predicate evaluated before a step dispatches.
type Condition struct {
	Type       string `json:"type" yaml:"type"` // "cel"
	Expression string `json:"expression" yaml:"expression"`
}

// StepDefinition is the authoring-time form of a step.
type StepDefinition struct {
	Name          string            `json:"name" yaml:"name"`
	Key           string            `json:"key,omitempty" yaml:"key,omitempty"`
	Node          string            `json:"node" yaml:"node"`
	Action        string            `json:"action" yaml:"action"`
	Args          map[string]any    `json:"args,omitempty" yaml:"args,omitempty"`
	Files         map[string]string `json:"files,omitempty" yaml:"files,omitempty"`
	DataLabels    map[string]string `json:"data_labels,omitempty" yaml:"data_labels,omitempty"`
	UseParameters *StepParameters   `json:"use_parameters,omitempty" yaml:"use_parameters,omitempty"`
	Conditions    []Condition       `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Locations     map[string]string `json:"locations,omitempty" yaml:"locations,omitempty"`
	Timeout       Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WorkflowDefinition is a stored, reusable workflow template.
type WorkflowDefinition struct {
	DefinitionID string             `json:"workflow_definition_id,omitempty" yaml:"workflow_definition_id,omitempty"`
	Name         string             `json:"name" yaml:"name"`
	Metadata     map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Parameters   WorkflowParameters `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Steps        []StepDefinition   `json:"steps" yaml:"steps"`
}

// ParseDefinitionYAML parses a workflow definition file.
func ParseDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural rules that can be verified without a node
// registry: steps exist, keys are unique, feed-forward references resolve
// and never point forward past the end of the workflow.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return NewError(ErrValidation, "workflow definition requires a name")
	}
	if len(d.Steps) == 0 {
		return NewError(ErrValidation, "workflow definition %q has no steps", d.Name)
	}
	keys := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if step.Node == "" && (step.UseParameters == nil || step.UseParameters.Node == "") {
			return NewError(ErrValidation, "step %d (%s) has no node", i, step.Name)
		}
		if step.Action == "" {
			return NewError(ErrValidation, "step %d (%s) has no action", i, step.Name)
		}
		if step.Key != "" {
			if prev, dup := keys[step.Key]; dup {
				return NewError(ErrValidation, "duplicate step key %q (steps %d and %d)", step.Key, prev, i)
			}
			keys[step.Key] = i
		}
	}
	for _, ff := range d.Parameters.FeedForward {
		if ff.DataType != FeedForwardJSON && ff.DataType != FeedForwardFile {
			return NewError(ErrValidation, "feed-forward %q has invalid data_type %q", ff.Key, ff.DataType)
		}
		if ff.Step.IsIndex {
			if ff.Step.Index < 0 || ff.Step.Index >= len(d.Steps) {
				return NewError(ErrValidation, "feed-forward %q references step index %d out of range", ff.Key, ff.Step.Index)
			}
		} else if _, ok := keys[ff.Step.Key]; !ok {
			return NewError(ErrValidation, "feed-forward %q references unknown step key %q", ff.Key, ff.Step.Key)
		}
	}
	return nil
}

// Step is one action invocation within a workflow run. Mutated only by the
// execution engine.
type Step struct {
	StepID        string            `json:"step_id"`
	Key           string            `json:"key,omitempty"`
	Name          string            `json:"name"`
	Node          string            `json:"node"`
	Action        string            `json:"action"`
	Args          map[string]any    `json:"args,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	DataLabels    map[string]string `json:"data_labels,omitempty"`
	UseParameters *StepParameters   `json:"use_parameters,omitempty"`
	Conditions    []Condition       `json:"conditions,omitempty"`
	Locations     map[string]string `json:"locations,omitempty"`
	Timeout       Duration          `json:"timeout,omitempty"`
	Status        ActionStatus      `json:"status"`
	Result        *ActionResult     `json:"result,omitempty"`
}

// WorkflowStatus carries the orthogonal status bits of a workflow plus the
// current step cursor. Active and Terminal are derived on marshal.
type WorkflowStatus struct {
	Initializing     bool   `json:"initializing"`
	Queued           bool   `json:"queued"`
	Running          bool   `json:"running"`
	Paused           bool   `json:"paused"`
	Completed        bool   `json:"completed"`
	Failed           bool   `json:"failed"`
	Cancelled        bool   `json:"cancelled"`
	CurrentStepIndex int    `json:"current_step_index"`
	Description      string `json:"description,omitempty"`
}

// Active reports whether the workflow is queued or running.
func (s WorkflowStatus) Active() bool { return s.Queued || s.Running }

// Terminal reports whether the workflow has finished.
func (s WorkflowStatus) Terminal() bool { return s.Completed || s.Failed || s.Cancelled }

// MarshalJSON adds the derived active/terminal booleans to the wire form.
func (s WorkflowStatus) MarshalJSON() ([]byte, error) {
	type alias WorkflowStatus
	return json.Marshal(struct {
		alias
		Active   bool `json:"active"`
		Terminal bool `json:"terminal"`
	}{alias(s), s.Active(), s.Terminal()})
}

// SchedulerMetadata is the scheduler's per-workflow scratch area.
type SchedulerMetadata struct {
	ReadyToRun bool   `json:"ready_to_run"`
	Priority   int    `json:"priority"`
	Reason     string `json:"reason,omitempty"`
}

// Ownership records who and what a workflow belongs to.
type Ownership struct {
	UserID       string `json:"user_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
	LabID        string `json:"lab_id,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
	ManagerID    string `json:"manager_id,omitempty"`
	WorkcellID   string `json:"workcell_id,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
}

// Workflow is a materialized run of a workflow definition.
type Workflow struct {
	WorkflowID        string             `json:"workflow_id"`
	Name              string             `json:"name"`
	DefinitionID      string             `json:"workflow_definition_id,omitempty"`
	Parameters        WorkflowParameters `json:"parameters,omitempty"`
	ParameterValues   map[string]any     `json:"parameter_values,omitempty"`
	FileInputIDs      map[string]string  `json:"file_input_ids,omitempty"`
	Steps             []Step             `json:"steps"`
	Status            WorkflowStatus     `json:"status"`
	SchedulerMetadata SchedulerMetadata  `json:"scheduler_metadata"`
	StartTime         *time.Time         `json:"start_time,omitempty"`
	EndTime           *time.Time         `json:"end_time,omitempty"`
	SubmittedTime     time.Time          `json:"submitted_time"`
	Ownership         Ownership          `json:"ownership,omitempty"`
}

// CurrentStep returns the step at the status cursor, or nil when the cursor
// sits past the last step.
func (w *Workflow) CurrentStep() *Step {
	i := w.Status.CurrentStepIndex
	if i < 0 || i >= len(w.Steps) {
		return nil
	}
	return &w.Steps[i]
}

// NewWorkflow materializes a workflow from a definition: fresh IDs, steps
// copied, status set to initializing with the cursor at zero.
func NewWorkflow(def *WorkflowDefinition, ownership Ownership, priority int) *Workflow {
	wf := &Workflow{
		WorkflowID:      NewID(),
		Name:            def.Name,
		DefinitionID:    def.DefinitionID,
		Parameters:      def.Parameters,
		ParameterValues: map[string]any{},
		FileInputIDs:    map[string]string{},
		Steps:           make([]Step, 0, len(def.Steps)),
		Status: WorkflowStatus{
			Initializing: true,
		},
		SchedulerMetadata: SchedulerMetadata{Priority: priority},
		SubmittedTime:     Now(),
		Ownership:         ownership,
	}
	for _, sd := range def.Steps {
		wf.Steps = append(wf.Steps, Step{
			StepID:        NewID(),
			Key:           sd.Key,
			Name:          sd.Name,
			Node:          sd.Node,
			Action:        sd.Action,
			Args:          copyAnyMap(sd.Args),
			Files:         copyStringMap(sd.Files),
			DataLabels:    copyStringMap(sd.DataLabels),
			UseParameters: sd.UseParameters,
			Conditions:    sd.Conditions,
			Locations:     copyStringMap(sd.Locations),
			Timeout:       sd.Timeout,
			Status:        ActionNotStarted,
		})
	}
	return wf
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
