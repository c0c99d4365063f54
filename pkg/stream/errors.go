package stream

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("stream timed out")
	ErrAborted   = errors.New("generation stopped")
)

// TransportError is a network, HTTP or provider failure during a stream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e == nil || e.Err == nil {
		return ErrTransport.Error()
	}
	return fmt.Sprintf("%s: %s", ErrTransport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// TimeoutError is raised by the watchdog. It also matches ErrTransport.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return ErrTimeout.Error()
	}
	return fmt.Sprintf("%s after %s", ErrTimeout, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrTransport
}

// AbortError marks a user initiated stop. It is not a failure.
type AbortError struct{}

func (e *AbortError) Error() string { return ErrAborted.Error() }

func (e *AbortError) Is(target error) bool { return target == ErrAborted }

// IsAbort reports whether err is a user initiated stop.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted)
}

// IsTimeout reports whether err was raised by the watchdog.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
