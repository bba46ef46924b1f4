package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// DependencyNotSatisfiedError reports that a node was dispatched before
	// all of its dependencies committed output. This is a scheduling bug,
	// never a recoverable condition.
	DependencyNotSatisfiedError struct {
		NodeID  string
		Missing []string
	}

	// RetryBudgetExceededError reports that a node exhausted its retry
	// budget. The run terminates with the state's failure record set.
	RetryBudgetExceededError struct {
		NodeID   string
		Attempts int
		Last     error
	}
)

func (e *DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("node %q dispatched before dependencies completed: %s",
		e.NodeID, strings.Join(e.Missing, ", "))
}

func (e *RetryBudgetExceededError) Error() string {
	return fmt.Sprintf("node %q failed %d times, retry budget exhausted: %v",
		e.NodeID, e.Attempts, e.Last)
}

func (e *RetryBudgetExceededError) Unwrap() error { return e.Last }

// IsRetryBudgetExceeded reports whether err is a retry-budget failure.
func IsRetryBudgetExceeded(err error) bool {
	var target *RetryBudgetExceededError
	return errors.As(err, &target)
}
