package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAutomation = errors.New("invalid automation")
	ErrInvalidSchedule   = errors.New("invalid schedule configuration")
	ErrUnknownActionType = errors.New("unknown action type")
)

// ConfigurationError collects every problem found while validating an
// automation. It blocks activation and is surfaced to the author as is.
type ConfigurationError struct {
	AutomationID string
	Problems     []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("automation %q is misconfigured: %s", e.AutomationID, e.Problems[0])
	}

	return fmt.Sprintf("automation %q is misconfigured: %s", e.AutomationID, strings.Join(e.Problems, "; "))
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidAutomation
}

func (e *ConfigurationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigurationError) errOrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}

	return e
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError

	return errors.As(err, &cfgErr)
}
