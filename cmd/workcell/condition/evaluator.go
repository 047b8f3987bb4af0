package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/madsci/workcell/common/types"
)

// Evaluator evaluates step conditions using CEL (Common Expression Language).
// Compiled programs are cached by expression text.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a condition evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate decides whether a step should run. Expressions see two variables:
// "parameters" holds the workflow's resolved parameter values, and "steps"
// maps completed step keys to {status, data}.
func (e *Evaluator) Evaluate(cond *types.Condition, workflow *types.Workflow) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch cond.Type {
	case "", "cel":
		return e.evaluateCEL(cond.Expression, workflow)
	default:
		return false, fmt.Errorf("unsupported condition type: %s", cond.Type)
	}
}

func (e *Evaluator) evaluateCEL(expr string, workflow *types.Workflow) (bool, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compileCEL(expr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	steps := make(map[string]any, len(workflow.Steps))
	for _, step := range workflow.Steps {
		entry := map[string]any{
			"status": string(step.Status),
		}
		if step.Result != nil {
			entry["data"] = step.Result.Data
		}
		steps[step.Key] = entry
	}

	out, _, err := prg.Eval(map[string]any{
		"parameters": workflow.ParameterValues,
		"steps":      steps,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}

func (e *Evaluator) compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("parameters", cel.DynType),
		cel.Variable("steps", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache drops all compiled expressions.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
