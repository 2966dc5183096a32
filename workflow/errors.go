package workflow

import (
	"errors"
	"fmt"

	"shuttlecore/shuttle"
	"shuttlecore/store"
)

var (
	ErrBusy            = errors.New("another workflow is running")
	ErrFaulted         = errors.New("workflow faulted")
	ErrWorkflowTimeout = errors.New("workflow timeout")
	ErrAborted         = errors.New("workflow aborted")
)

// StepError is a step that failed for a reason other than a timeout.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// TimeoutError is a step whose wait ran out. It matches ErrWorkflowTimeout.
type TimeoutError struct {
	Step string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in step %q: %v", e.Step, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrWorkflowTimeout }

// FailedStep returns the step name carried by err, if any.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Step
	}
	return ""
}

// runStatus maps a workflow's final error onto a workflow_runs status.
func runStatus(err error) string {
	var crit *shuttle.CriticalError
	switch {
	case err == nil:
		return store.RunCompleted
	case errors.Is(err, ErrFaulted), errors.As(err, &crit):
		return store.RunFaulted
	case errors.Is(err, ErrWorkflowTimeout):
		return store.RunTimeout
	default:
		return store.RunFailed
	}
}
