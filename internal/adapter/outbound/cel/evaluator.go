// Package cel compiles the optional `when` conditions of policy rules.
package cel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/latch-dev/latch/internal/domain/policy"
)

const (
	maxExpressionLength = 1024
	maxCostBudget       = 100_000
	maxNestingDepth     = 50
	evalTimeout         = 2 * time.Second
	interruptCheckFreq  = 100
)

// Evaluator compiles CEL expressions over the variables `tool` (string)
// and `input` (map of the tool arguments).
type Evaluator struct {
	env *cel.Env
}

var _ policy.ConditionCompiler = (*Evaluator)(nil)

// NewEnvironment returns the CEL environment used for rule conditions.
func NewEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		cel.Variable("tool", cel.StringType),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		// glob("*.env", input.path)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					n, _ := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// NewEvaluator creates an Evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks expr, which must yield a bool.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// CompileCondition implements policy.ConditionCompiler.
func (e *Evaluator) CompileCondition(expr string) (policy.Condition, error) {
	prg, err := e.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &condition{prg: prg}, nil
}

type condition struct {
	prg cel.Program
}

func (c *condition) Match(toolName string, input map[string]any) (bool, error) {
	if input == nil {
		input = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	out, _, err := c.prg.ContextEval(ctx, map[string]any{
		"tool":  toolName,
		"input": input,
	})
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", out.Value())
	}
	return b, nil
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
