package driver

import (
	"errors"
	"fmt"
)

// ErrNotImplemented marks a capability the selected backend does not
// support, such as allowed_tools on the API driver. Never retried.
var ErrNotImplemented = errors.New("not implemented for this driver")

// UserInputError reports invalid caller input, such as an empty prompt.
// Never retried; surfaces as a 4xx at the API boundary.
type UserInputError struct {
	Reason string
}

func (e *UserInputError) Error() string {
	return "invalid input: " + e.Reason
}

// ProviderError is a transient provider or subprocess fault: network
// failure, timeout, rate limit, non-zero CLI exit. Retryable at the
// scheduler boundary.
type ProviderError struct {
	Driver string
	Reason string
	Cause  error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s driver: %s: %v", e.Driver, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s driver: %s", e.Driver, e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// SchemaValidationError reports structured output that failed JSON Schema
// validation. Never retried; propagates to the caller.
type SchemaValidationError struct {
	Detail string
	Cause  error
}

func (e *SchemaValidationError) Error() string {
	return "schema validation failed: " + e.Detail
}

func (e *SchemaValidationError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is retryable. Only provider faults are.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
