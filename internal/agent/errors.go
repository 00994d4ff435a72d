package agent

import (
	"fmt"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
)

// Reason codes for runs that end without a final answer.
const (
	ReasonIterationLimit = "iteration_limit_exceeded"
	ReasonProviderError  = "provider_error"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonCancelled      = "cancelled"
)

// RunError is a run-fatal error. Usage holds what was consumed before the
// run stopped.
type RunError struct {
	Reason     string
	Err        error
	Usage      budget.Usage
	Iterations int
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// IterationLimitExceeded is wrapped by RunError when the turn ceiling is hit.
type IterationLimitExceeded struct {
	Limit int
}

func (e IterationLimitExceeded) Error() string {
	return fmt.Sprintf("no final answer after %d iterations", e.Limit)
}
