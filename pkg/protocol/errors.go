package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	KindRetryable ErrorKind = "retryable"
	KindTerminal  ErrorKind = "terminal"
)

// ActionError classifies a handler failure. PossiblyApplied marks failures
// after which the side effect may already have happened.
type ActionError struct {
	Kind            ErrorKind
	PossiblyApplied bool
	StatusCode      int
	Err             error
}

func (e *ActionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s action error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("%s action error: %v", e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient.
func Retryable(err error) error {
	return &ActionError{Kind: KindRetryable, Err: err}
}

// Terminal marks err as permanent: bad config, rejected input, auth.
func Terminal(err error) error {
	return &ActionError{Kind: KindTerminal, Err: err}
}

// PossiblyApplied marks err as having happened after the side effect may
// have reached the downstream system.
func PossiblyApplied(err error) error {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		classified := *actionErr
		classified.PossiblyApplied = true

		return &classified
	}

	return &ActionError{Kind: KindRetryable, PossiblyApplied: true, Err: err}
}

// HTTPStatusError classifies a downstream HTTP status: 5xx and 429 are
// retryable, other 4xx are terminal.
func HTTPStatusError(status int, err error) error {
	kind := KindTerminal
	if status >= 500 || status == 429 {
		kind = KindRetryable
	}

	return &ActionError{Kind: kind, StatusCode: status, Err: err}
}

// IsRetryable reports whether another attempt could succeed. Unclassified
// errors are terminal unless they are timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Kind == KindRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func WasPossiblyApplied(err error) bool {
	var actionErr *ActionError

	return errors.As(err, &actionErr) && actionErr.PossiblyApplied
}

// TransportError classifies an error returned by an HTTP client call.
// Failures to connect never reached the target and are retryable; any other
// transport failure may have been applied. Context errors are returned as-is.
func TransportError(err error) error {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Retryable(err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Retryable(err)
	}

	return PossiblyApplied(Retryable(err))
}
