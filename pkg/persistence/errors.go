package persistence

import (
	"errors"
	"fmt"
)

var (
	ErrAutomationNotFound = errors.New("automation not found")
	ErrRunNotFound        = errors.New("run not found")
	ErrRunExists          = errors.New("a run already exists for this event")
	ErrScheduleNotFound   = errors.New("schedule state not found")
	ErrInvalidID          = errors.New("invalid identifier")
)

// AutomationError wraps automation storage errors with the operation and id.
type AutomationError struct {
	Op           string
	AutomationID string
	Err          error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("%s operation failed for automation %s: %v", e.Op, e.AutomationID, e.Err)
}

func (e *AutomationError) Unwrap() error {
	return e.Err
}

func (e *AutomationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewAutomationError(op, automationID string, err error) *AutomationError {
	return &AutomationError{Op: op, AutomationID: automationID, Err: err}
}

// RunError wraps run storage errors with the operation and id.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

func IsAutomationNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound)
}

func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

func IsRunExists(err error) bool {
	return errors.Is(err, ErrRunExists)
}

func IsScheduleNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}
