package synchronicity

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrClosed is returned when work is submitted to a Synchronizer that has
	// been shut down.
	ErrClosed = errors.New("synchronicity: synchronizer is closed")

	// ErrCancelled is the cancellation-kind sentinel. Errors surfaced for
	// cancelled calls match it via errors.Is.
	ErrCancelled = errors.New("synchronicity: call was cancelled")

	// ErrDeadlock is returned when a blocking entry is invoked from the
	// synchronizer's own loop context. Blocking there would park the loop on
	// work that only the loop can complete.
	ErrDeadlock = errors.New("synchronicity: blocking call from inside the synchronizer loop")

	// ErrNotWrappable is returned when a wrap target is neither a coroutine
	// function, generator function, class definition, nor context manager.
	ErrNotWrappable = errors.New("synchronicity: target is not wrappable")

	// ErrFuturesNotAllowed is returned when a future is requested from a
	// callable that does not support the future-request flag.
	ErrFuturesNotAllowed = errors.New("synchronicity: cannot return a future for this callable")

	// ErrLoopFailed is returned after the background loop crashed. The
	// Synchronizer is in a terminal failed state and all submissions fail.
	ErrLoopFailed = errors.New("synchronicity: synchronizer loop failed")

	// ErrGeneratorBusy is returned when a generator step is requested while a
	// previous step is still in flight.
	ErrGeneratorBusy = errors.New("synchronicity: generator step already in flight")

	// ErrBadArguments is returned when a call's arguments do not fit the
	// wrapped implementation's signature.
	ErrBadArguments = errors.New("synchronicity: bad call arguments")

	// ErrInterrupted is the cause recorded on a cancellation that originated
	// from a forwarded terminating signal during a blocking call.
	ErrInterrupted = errors.New("synchronicity: interrupted by signal")
)

// CancelledError is the cancellation-kind error delivered to callers whose
// in-flight work was cancelled. Cause, when set, records what triggered the
// cancellation (e.g. ErrInterrupted, ErrClosed, or a caller-supplied cause).
type CancelledError struct {
	Cause error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", ErrCancelled, e.Cause)
	}
	return ErrCancelled.Error()
}

// Is reports a match against the ErrCancelled sentinel.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// Unwrap returns the cancellation cause for use with [errors.Is] and
// [errors.As].
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a panic recovered from a user implementation. The call's
// future is rejected with it rather than crashing the loop.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("synchronicity: implementation panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling errors.Is and errors.As through the wrapper.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// LoopFailedError records the panic that crashed the background loop. All
// submissions after the crash fail fast with it.
type LoopFailedError struct {
	Panic any
}

// Error implements the error interface.
func (e *LoopFailedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrLoopFailed, e.Panic)
}

// Is reports a match against the ErrLoopFailed sentinel.
func (e *LoopFailedError) Is(target error) bool {
	return target == ErrLoopFailed
}

// TimeoutError is returned by [Future.Result] when the supplied deadline
// elapses before the future settles. The call itself keeps running.
type TimeoutError struct {
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "synchronicity: operation timed out"
	}
	return e.Message
}

// wrapMisuse annotates a misuse sentinel with callable context.
func wrapMisuse(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
