// Package cel provides a CEL-based evaluator for intercept rule
// conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/intercept"
)

// Rule conditions run once per proxied exchange, so a pathological
// expression must not be able to stall the pipeline: expressions are
// capped in length and nesting before compile, cost-limited and
// interrupt-checked at runtime, and each evaluation carries its own
// deadline.
const (
	maxExpressionLength = 1024
	maxNestingDepth     = 50
	maxCostBudget       = 100_000
	interruptCheckFreq  = 100
	evalTimeout         = 5 * time.Second
)

// Evaluator compiles and evaluates CEL condition expressions against HTTP
// exchanges.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a CEL evaluator with the exchange environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewExchangeEnvironment()
	if err != nil {
		return nil, fmt.Errorf("build exchange environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a condition expression, returning a
// compiled condition.
func (e *Evaluator) Compile(expression string) (intercept.Condition, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	return &condition{prg: prg}, nil
}

// validateNesting bounds bracket depth before the parser sees the
// expression; deeply nested input is rejected, not parsed.
func validateNesting(expr string) error {
	var depth, deepest int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if deepest > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", deepest, maxNestingDepth)
	}
	return nil
}

// Validate checks that a condition expression is syntactically valid and
// safe to run: it enforces the length and nesting limits and performs a
// full compile.
func (e *Evaluator) Validate(expr string) error {
	if expr == "" {
		return errors.New("empty expression")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid condition expression: %w", err)
	}

	return nil
}

// condition is a compiled CEL program over the exchange activation.
type condition struct {
	prg cel.Program
}

// Eval runs the program against ex. Evaluation is bounded by evalTimeout
// on top of the caller's context to prevent indefinite hangs.
func (c *condition) Eval(ctx context.Context, ex intercept.ExchangeContext) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := c.prg.ContextEval(ctx, BuildActivation(ex))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}

var _ intercept.ConditionEvaluator = (*Evaluator)(nil)
