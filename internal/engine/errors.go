package engine

import (
	"errors"
	"fmt"

	"github.com/taku10101/playwright-secretary/internal/pattern"
)

// ErrCanceled marks a run stopped by its context before every step ran.
var ErrCanceled = errors.New("execution canceled")

type ParameterValidationError struct {
	Parameter string
	Reason    string
}

func (e *ParameterValidationError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Parameter, e.Reason)
}

type StepExecutionError struct {
	Order    int
	Type     pattern.StepType
	Selector string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	target := string(e.Type)
	if e.Selector != "" {
		target += " " + e.Selector
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("step %d (%s) failed after %d attempts: %v", e.Order, target, e.Attempts, e.Err)
	}
	return fmt.Sprintf("step %d (%s) failed: %v", e.Order, target, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

type ResultValidationError struct {
	Rule     pattern.ValidationRule
	Observed string
	Err      error
}

func (e *ResultValidationError) Error() string {
	if e.Rule.ErrorMessage != "" {
		return "validation failed: " + e.Rule.ErrorMessage
	}
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s %q: %v", e.Rule.Type, e.Rule.Condition, e.Err)
	}
	return fmt.Sprintf("validation failed: %s %q expected %s, observed %q",
		e.Rule.Type, e.Rule.Condition, e.Rule.Expected, e.Observed)
}

func (e *ResultValidationError) Unwrap() error { return e.Err }

// BlockerError reports an anti-automation interstitial found after navigation.
type BlockerError struct {
	Kind    BlockerKind
	Message string
	URL     string
}

func (e *BlockerError) Error() string {
	return fmt.Sprintf("blocked (%s) at %s: %s", e.Kind, e.URL, e.Message)
}
