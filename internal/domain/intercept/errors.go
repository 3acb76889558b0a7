package intercept

import (
	"errors"
	"fmt"
)

// ErrInvalidRule marks a rule that fails structural validation.
var ErrInvalidRule = errors.New("invalid intercept rule")

// ErrConditionEval marks a rule condition that could not be evaluated.
var ErrConditionEval = errors.New("rule condition evaluation failed")

// ConditionError reports a condition failure for one named rule.
type ConditionError struct {
	Rule string
	Err  error
}

// Error implements the error interface.
func (e *ConditionError) Error() string {
	return fmt.Sprintf("rule %q: condition evaluation failed: %v", e.Rule, e.Err)
}

// Unwrap returns the underlying evaluation error.
func (e *ConditionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrConditionEval.
func (e *ConditionError) Is(target error) bool { return target == ErrConditionEval }
