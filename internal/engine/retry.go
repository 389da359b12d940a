package engine

import (
	"errors"
	"fmt"
)

// RetryBudget tracks failed attempts on one step against the workflow's
// max_retries. The first attempt is free: a budget of n allows n+1 attempts
// in total.
type RetryBudget struct {
	maxRetries int
	used       int
}

// NewRetryBudget creates a budget that has already seen used failures.
func NewRetryBudget(maxRetries, used int) *RetryBudget {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryBudget{maxRetries: maxRetries, used: used}
}

// Spend records one failed attempt. It returns RetriesExhaustedError once
// the failures exceed the budget.
func (b *RetryBudget) Spend(executionID string, step int) error {
	b.used++
	if b.used > b.maxRetries {
		return &RetriesExhaustedError{
			ExecutionID: executionID,
			Step:        step,
			Attempts:    b.used,
			MaxRetries:  b.maxRetries,
		}
	}
	return nil
}

// Used returns the number of failed attempts recorded.
func (b *RetryBudget) Used() int {
	return b.used
}

// Remaining returns how many more failures the step may absorb.
func (b *RetryBudget) Remaining() int {
	if b.used >= b.maxRetries {
		return 0
	}
	return b.maxRetries - b.used
}

// RetriesExhaustedError is returned when a step fails more often than the
// workflow allows.
type RetriesExhaustedError struct {
	ExecutionID string
	Step        int
	Attempts    int
	MaxRetries  int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("execution %s step %d failed %d times (max_retries %d)",
		e.ExecutionID, e.Step, e.Attempts, e.MaxRetries)
}

// IsRetriesExhausted reports whether err is a RetriesExhaustedError.
func IsRetriesExhausted(err error) bool {
	var re *RetriesExhaustedError
	return errors.As(err, &re)
}
