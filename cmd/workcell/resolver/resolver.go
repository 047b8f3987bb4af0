package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/madsci/workcell/common/clients"
	"github.com/madsci/workcell/common/types"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Resolver binds workflow parameters at submission time and substitutes
// placeholders in steps just before dispatch.
type Resolver struct {
	datapoints clients.DatapointClient
	logger     Logger
}

// NewResolver creates a parameter resolver.
func NewResolver(datapoints clients.DatapointClient, logger Logger) *Resolver {
	return &Resolver{
		datapoints: datapoints,
		logger:     logger,
	}
}

// BindSubmission applies submission-time parameter binding: defaults fill
// unset values, required parameters must arrive, feed-forward keys reject
// user bindings, and file inputs are uploaded to the datapoint store.
func (r *Resolver) BindSubmission(ctx context.Context, wf *types.Workflow, jsonInputs map[string]any, fileInputs map[string]string) error {
	ffKeys := wf.Parameters.FeedForwardKeys()

	for key := range jsonInputs {
		if ffKeys[key] {
			return types.NewError(types.ErrValidation, "parameter %q is bound by feed-forward and cannot be set at submission", key)
		}
	}
	for key := range fileInputs {
		if ffKeys[key] {
			return types.NewError(types.ErrValidation, "file parameter %q is bound by feed-forward and cannot be set at submission", key)
		}
	}

	for _, input := range wf.Parameters.JSONInputs {
		value, provided := jsonInputs[input.Key]
		switch {
		case provided:
			wf.ParameterValues[input.Key] = value
		case input.Default != nil:
			wf.ParameterValues[input.Key] = input.Default
		case input.Required:
			return types.NewError(types.ErrValidation, "required parameter %q not provided", input.Key)
		}
	}
	// Undeclared extras pass through so ad-hoc workflows stay usable.
	for key, value := range jsonInputs {
		if _, bound := wf.ParameterValues[key]; !bound {
			wf.ParameterValues[key] = value
		}
	}

	for _, input := range wf.Parameters.FileInputs {
		path, provided := fileInputs[input.Key]
		if !provided {
			if input.Required {
				return types.NewError(types.ErrValidation, "required file parameter %q not provided", input.Key)
			}
			continue
		}
		datapointID, err := r.datapoints.CreateFile(ctx, input.Key, path)
		if err != nil {
			return fmt.Errorf("failed to store file parameter %q: %w", input.Key, err)
		}
		wf.FileInputIDs[input.Key] = datapointID
	}

	return nil
}

// ResolveStep produces the dispatch-ready args, file bindings and node name
// for a step. Args are resolved recursively; string values may reference
// parameters with "$parameters.key" or interpolate them with
// "${$parameters.key}". File bindings resolve to datapoint IDs.
func (r *Resolver) ResolveStep(wf *types.Workflow, step *types.Step) (map[string]any, map[string]string, string, error) {
	args := make(map[string]any, len(step.Args))
	for key, value := range step.Args {
		resolved, err := r.resolveValue(wf, value)
		if err != nil {
			return nil, nil, "", fmt.Errorf("failed to resolve arg %q: %w", key, err)
		}
		args[key] = resolved
	}

	files := make(map[string]string, len(step.Files))
	for arg, ref := range step.Files {
		files[arg] = ref
	}

	node := step.Node
	if step.UseParameters != nil {
		for arg, paramKey := range step.UseParameters.Args {
			value, ok := wf.ParameterValues[paramKey]
			if !ok {
				return nil, nil, "", types.NewError(types.ErrValidation, "step %q references unset parameter %q", step.Name, paramKey)
			}
			args[arg] = value
		}
		for arg, paramKey := range step.UseParameters.Files {
			datapointID, ok := wf.FileInputIDs[paramKey]
			if !ok {
				return nil, nil, "", types.NewError(types.ErrValidation, "step %q references unset file parameter %q", step.Name, paramKey)
			}
			files[arg] = datapointID
		}
		if step.UseParameters.Node != "" {
			value, ok := wf.ParameterValues[step.UseParameters.Node]
			if !ok {
				return nil, nil, "", types.NewError(types.ErrValidation, "step %q resolves its node from unset parameter %q", step.Name, step.UseParameters.Node)
			}
			name, ok := value.(string)
			if !ok {
				return nil, nil, "", types.NewError(types.ErrValidation, "node parameter %q must be a string, got %T", step.UseParameters.Node, value)
			}
			node = name
		}
	}

	return args, files, node, nil
}

// ApplyFeedForward binds every feed-forward parameter sourced from the step
// at the given index, after that step finished.
func (r *Resolver) ApplyFeedForward(ctx context.Context, wf *types.Workflow, stepIndex int) error {
	step := &wf.Steps[stepIndex]
	for _, ff := range wf.Parameters.FeedForward {
		if !ff.Step.Matches(step.Key, stepIndex) {
			continue
		}
		if err := r.bindFeedForward(ctx, wf, step, ff); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) bindFeedForward(ctx context.Context, wf *types.Workflow, step *types.Step, ff types.FeedForward) error {
	result := step.Result
	if result == nil {
		return types.NewError(types.ErrInternal, "feed-forward %q: step %q has no result", ff.Key, step.Name)
	}

	var datapointID string
	if ff.Label != "" {
		id, ok := result.Datapoints[ff.Label]
		if !ok {
			// JSON labels may point into the result payload instead of a
			// promoted datapoint.
			if ff.DataType == types.FeedForwardJSON {
				if value, found := lookupData(result.Data, ff.Label); found {
					wf.ParameterValues[ff.Key] = value
					return nil
				}
			}
			return types.NewError(types.ErrValidation,
				"feed-forward parameter %q: label %q not found in results of step %q", ff.Key, ff.Label, step.Name)
		}
		datapointID = id
	} else {
		switch len(result.Datapoints) {
		case 1:
			for _, id := range result.Datapoints {
				datapointID = id
			}
		case 0:
			return types.NewError(types.ErrValidation,
				"feed-forward parameter %q: step %q produced no datapoints", ff.Key, step.Name)
		default:
			return types.NewError(types.ErrValidation,
				"ambiguous feed-forward parameter %q: step %q produced %d datapoints, specify a label",
				ff.Key, step.Name, len(result.Datapoints))
		}
	}

	switch ff.DataType {
	case types.FeedForwardFile:
		wf.FileInputIDs[ff.Key] = datapointID
	case types.FeedForwardJSON:
		value, err := r.datapoints.GetValue(ctx, datapointID)
		if err != nil {
			return fmt.Errorf("feed-forward parameter %q: failed to fetch datapoint %s: %w", ff.Key, datapointID, err)
		}
		wf.ParameterValues[ff.Key] = value
	default:
		return types.NewError(types.ErrValidation, "feed-forward parameter %q has invalid data_type %q", ff.Key, ff.DataType)
	}
	return nil
}

// lookupData pulls a value out of a result payload by label. Dotted labels
// traverse nested structures.
func lookupData(data map[string]any, label string) (any, bool) {
	if value, ok := data[label]; ok {
		return value, true
	}
	if !strings.Contains(label, ".") {
		return nil, false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, label)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

var interpolationPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// resolveValue recursively resolves a step argument value.
func (r *Resolver) resolveValue(wf *types.Workflow, value any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(wf, v)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, item := range v {
			rv, err := r.resolveValue(wf, item)
			if err != nil {
				return nil, err
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			rv, err := r.resolveValue(wf, item)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// resolveString handles parameter references and interpolation.
func (r *Resolver) resolveString(wf *types.Workflow, str string) (any, error) {
	if strings.HasPrefix(str, "$parameters.") {
		return r.resolveParameterReference(wf, str)
	}
	if strings.Contains(str, "${") {
		return r.resolveInterpolation(wf, str)
	}
	return str, nil
}

// resolveParameterReference resolves "$parameters.key" or
// "$parameters.key.field.path".
func (r *Resolver) resolveParameterReference(wf *types.Workflow, expr string) (any, error) {
	expr = strings.TrimPrefix(expr, "$parameters.")
	parts := strings.SplitN(expr, ".", 2)
	key := parts[0]

	value, ok := wf.ParameterValues[key]
	if !ok {
		return nil, types.NewError(types.ErrValidation, "reference to unset parameter %q", key)
	}
	if len(parts) == 1 {
		return value, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameter %q: %w", key, err)
	}
	result := gjson.GetBytes(raw, parts[1])
	if !result.Exists() {
		return nil, types.NewError(types.ErrValidation, "field %q not found in parameter %q", parts[1], key)
	}
	return result.Value(), nil
}

// resolveInterpolation substitutes "${$parameters.key}" fragments inside a
// larger string.
func (r *Resolver) resolveInterpolation(wf *types.Workflow, str string) (string, error) {
	result := str
	for _, match := range interpolationPattern.FindAllStringSubmatch(str, -1) {
		if len(match) < 2 {
			continue
		}
		placeholder := match[0]
		value, err := r.resolveString(wf, match[1])
		if err != nil {
			return "", fmt.Errorf("failed to resolve interpolation %s: %w", placeholder, err)
		}

		var valueStr string
		switch v := value.(type) {
		case string:
			valueStr = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("failed to marshal interpolated value: %w", err)
			}
			valueStr = string(raw)
		}
		result = strings.Replace(result, placeholder, valueStr, 1)
	}
	return result, nil
}
