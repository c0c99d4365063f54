package session

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrInvalidOperation = errors.New("invalid operation")
)

// ConfigurationError is returned before any I/O when the session cannot
// talk to the endpoint, e.g. without an API key.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e == nil || e.Reason == "" {
		return ErrConfiguration.Error()
	}
	return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// InvalidOperationError is returned for requests the current tree or state
// cannot honor. The session state is left usable.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	if e == nil {
		return ErrInvalidOperation.Error()
	}
	return fmt.Sprintf("%s %s: %s", ErrInvalidOperation, e.Op, e.Reason)
}

func (e *InvalidOperationError) Is(target error) bool { return target == ErrInvalidOperation }

func invalid(op string, format string, args ...interface{}) error {
	return &InvalidOperationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
