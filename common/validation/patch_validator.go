package validation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxStepsPerPatch caps how many steps a single patch may append so a bad
// client cannot turn one definition into an unbounded run.
const maxStepsPerPatch = 20

// PatchValidator screens RFC 6902 patch documents for workflow definitions
// before they are applied. Structural validation of the patched document
// still happens afterwards; this rejects the obviously malformed or
// forbidden operations with a pointed error message.
type PatchValidator struct{}

func NewPatchValidator() *PatchValidator {
	return &PatchValidator{}
}

// Validate parses and checks a patch document.
func (v *PatchValidator) Validate(patchDoc []byte) error {
	var operations []map[string]interface{}
	if err := json.Unmarshal(patchDoc, &operations); err != nil {
		return fmt.Errorf("patch must be a JSON array of operations: %w", err)
	}
	if len(operations) == 0 {
		return fmt.Errorf("patch contains no operations")
	}

	stepsAdded := 0
	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}
		if op["op"] == "add" && isStepPath(op["path"].(string)) {
			stepsAdded++
		}
	}

	if stepsAdded > maxStepsPerPatch {
		return fmt.Errorf("patch adds %d steps, limit is %d", stepsAdded, maxStepsPerPatch)
	}
	return nil
}

func (v *PatchValidator) validateOperation(op map[string]interface{}, index int) error {
	opType, ok := op["op"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'op' field", index)
	}
	path, ok := op["path"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'path' field", index)
	}

	// The stored ID is the row key; a patch must not move the document.
	if path == "/workflow_definition_id" {
		return fmt.Errorf("operation %d: the definition ID cannot be patched", index)
	}

	switch opType {
	case "add", "replace", "test":
		if _, ok := op["value"]; !ok {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, opType)
		}
		if isStepPath(path) && opType != "test" {
			if err := v.validateStepValue(op["value"], index); err != nil {
				return err
			}
		}
	case "remove":
		return nil
	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, opType)
	}
	return nil
}

// isStepPath reports whether path addresses a whole step: /steps/- or /steps/N.
func isStepPath(path string) bool {
	rest, found := strings.CutPrefix(path, "/steps/")
	return found && !strings.Contains(rest, "/")
}

func (v *PatchValidator) validateStepValue(value interface{}, opIndex int) error {
	step, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("operation %d: step value must be an object, got %T", opIndex, value)
	}

	if name, ok := step["name"].(string); !ok || name == "" {
		return fmt.Errorf("operation %d: step must have a 'name' field (string)", opIndex)
	}
	if action, ok := step["action"].(string); !ok || action == "" {
		return fmt.Errorf("operation %d: step must have an 'action' field (string)", opIndex)
	}

	// The node may come from a parameter instead of a literal name.
	node, _ := step["node"].(string)
	if node == "" {
		useParams, _ := step["use_parameters"].(map[string]interface{})
		if paramNode, _ := useParams["node"].(string); paramNode == "" {
			return fmt.Errorf("operation %d: step must name a 'node' or bind one via 'use_parameters'", opIndex)
		}
	}

	for _, field := range []string{"args", "files", "data_labels"} {
		if raw, exists := step[field]; exists {
			if _, ok := raw.(map[string]interface{}); !ok {
				return fmt.Errorf("operation %d: step '%s' must be an object, got %T", opIndex, field, raw)
			}
		}
	}
	return nil
}
