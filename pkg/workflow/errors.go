package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

var (
	ErrCursorNotFound     = errors.New("cursor not found")
	ErrRunBusy            = errors.New("run is being advanced by another worker")
	ErrRunFinished        = errors.New("run already finished")
	ErrDuplicateRun       = errors.New("an active run already exists for this correlation value")
	ErrCorrelationBusy    = errors.New("another run is being created for this correlation value")
	ErrAutomationInactive = errors.New("automation is not active")
	ErrNotScheduled       = errors.New("automation is not scheduled")
)

// Error codes persisted on failed runs.
const (
	CodeActionFailed       = "action_failed"
	CodeRoutingFailed      = "routing_failed"
	CodeLoopExhausted      = "loop_exhausted"
	CodeWaitTimeout        = "wait_timeout"
	CodeCancelled          = "cancelled"
	CodeConfiguration      = "configuration_error"
	CodeAutomationNotFound = "automation_not_found"
)

// ActionFailedError ends a run when an action fails for good.
type ActionFailedError struct {
	StepID     string
	ActionID   string
	ActionType models.ActionType
	Attempts   int
	Err        error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("action %q (%s) in step %q failed after %d attempt(s): %v",
		e.ActionID, e.ActionType, e.StepID, e.Attempts, e.Err)
}

func (e *ActionFailedError) Unwrap() error {
	return e.Err
}

// RoutingError is raised when no branch matches and no fallback sequence
// leaves the step.
type RoutingError struct {
	StepID string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("step %q: no branch matched and no fallback sequence connection exists", e.StepID)
}

type LoopExhaustedError struct {
	StepID       string
	ConnectionID string
	Limit        int
}

func (e *LoopExhaustedError) Error() string {
	return fmt.Sprintf("loop %q on step %q exhausted its %d iterations", e.ConnectionID, e.StepID, e.Limit)
}

type WaitTimeoutError struct {
	StepID       string
	ConnectionID string
	MaxWait      time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait_until %q after step %q did not hold within %s", e.ConnectionID, e.StepID, e.MaxWait)
}

type CancelledError struct {
	RunID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %q was cancelled", e.RunID)
}

// toRunError converts an engine error into its persisted form.
func toRunError(err error) *models.RunError {
	var (
		actionErr  *ActionFailedError
		routingErr *RoutingError
		loopErr    *LoopExhaustedError
		waitErr    *WaitTimeoutError
		cancelErr  *CancelledError
	)

	switch {
	case errors.As(err, &actionErr):
		return &models.RunError{
			Code:            CodeActionFailed,
			Message:         err.Error(),
			StepID:          actionErr.StepID,
			ActionID:        actionErr.ActionID,
			PossiblyApplied: protocol.WasPossiblyApplied(actionErr.Err),
		}
	case errors.As(err, &routingErr):
		return &models.RunError{Code: CodeRoutingFailed, Message: err.Error(), StepID: routingErr.StepID}
	case errors.As(err, &loopErr):
		return &models.RunError{Code: CodeLoopExhausted, Message: err.Error(), StepID: loopErr.StepID}
	case errors.As(err, &waitErr):
		return &models.RunError{Code: CodeWaitTimeout, Message: err.Error(), StepID: waitErr.StepID}
	case errors.As(err, &cancelErr):
		return &models.RunError{Code: CodeCancelled, Message: err.Error()}
	case models.IsConfigurationError(err):
		return &models.RunError{Code: CodeConfiguration, Message: err.Error()}
	default:
		return &models.RunError{Code: "internal", Message: err.Error()}
	}
}
