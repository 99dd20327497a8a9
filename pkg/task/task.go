package task

import (
	"errors"
	"time"

	tperrors "github.com/portworx/nvmeof-ha/pkg/errors"
)

// ErrTimedOut is returned when an operation times out
var ErrTimedOut = errors.New("timed out performing task")

// DoRetryWithTimeout performs given task with given timeout and timeBeforeRetry
func DoRetryWithTimeout(t func() (interface{}, error), timeout, timeBeforeRetry time.Duration) (interface{}, error) {
	var out interface{}
	var err error

	deadline := time.Now().Add(timeout)
	for {
		out, err = t()
		if err == nil {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, ErrTimedOut
		}
		time.Sleep(minDuration(timeBeforeRetry, remaining))
	}
}

// WaitOutcome is the result of a bounded poll.
type WaitOutcome struct {
	// Satisfied is true when the condition held before the deadline
	Satisfied bool
	// Expired is true when the deadline elapsed without the condition holding
	Expired bool
	// Elapsed is the time spent polling
	Elapsed time.Duration
	// Attempts is the number of times the condition was evaluated
	Attempts int
	// Timeout is the deadline the poll ran with
	Timeout time.Duration
}

// Err converts an expired outcome into an ErrTimedOut for the given operation.
// It returns nil for a satisfied outcome.
func (o WaitOutcome) Err(operation string) error {
	if o.Satisfied {
		return nil
	}
	return &tperrors.ErrTimedOut{
		Operation: operation,
		Timeout:   o.Timeout,
	}
}

// WaitUntil evaluates the condition every interval until it returns true or the
// timeout expires. A condition returning (false, nil) is "not yet" and is retried.
// A non-nil error is fatal: polling stops and the error is returned as is.
// The condition is always evaluated at least once.
func WaitUntil(condition func() (bool, error), timeout, interval time.Duration) (WaitOutcome, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	outcome := WaitOutcome{Timeout: timeout}

	for {
		outcome.Attempts++
		done, err := condition()
		outcome.Elapsed = time.Since(start)
		if err != nil {
			return outcome, err
		}
		if done {
			outcome.Satisfied = true
			return outcome, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			outcome.Expired = true
			return outcome, nil
		}
		time.Sleep(minDuration(interval, remaining))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
