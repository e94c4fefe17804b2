// Package services holds the use cases behind the automation API.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/workflow"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest         = errors.New("invalid request")
	ErrOrganizationRequired   = errors.New("organization ID is required")
	ErrAutomationNil          = errors.New("automation cannot be nil")
	ErrAutomationNameRequired = errors.New("automation name is required")

	// Business Logic Conflicts (409 Conflict).
	ErrAutomationDeleted = models.ErrAutomationDeleted
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrOrganizationRequired) ||
		errors.Is(err, ErrAutomationNil) ||
		errors.Is(err, ErrAutomationNameRequired) ||
		errors.Is(err, workflow.ErrInvalidEvent) ||
		models.IsConfigurationError(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAutomationDeleted) ||
		errors.Is(err, workflow.ErrAutomationInactive) ||
		errors.Is(err, workflow.ErrRunFinished) ||
		errors.Is(err, workflow.ErrRunBusy) ||
		errors.Is(err, workflow.ErrDuplicateRun) ||
		errors.Is(err, workflow.ErrCorrelationBusy)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
