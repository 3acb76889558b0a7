package titanium

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrUnauthorized is returned when the ops API rejects the bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrFlowNotFound is returned when a flow lookup finds no record.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrWaitTimeout is returned when WaitForFlows gives up before enough
	// matching flows appeared.
	ErrWaitTimeout = errors.New("wait timeout")
)

// APIError is the base error type for non-2xx ops API responses.
type APIError struct {
	// Status is the HTTP status code the server returned.
	Status int
	// Message is the server's error message, if the body carried one.
	Message string
}

// Error returns the error message.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("titanium ops [%d]: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("titanium ops [%d]", e.Status)
}

// UnauthorizedError is returned when the ops API rejects the bearer token.
type UnauthorizedError struct {
	// Message is the server's error message, if the body carried one.
	Message string
}

// Error returns a human-readable description of the rejection.
func (e *UnauthorizedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unauthorized: %s", e.Message)
	}
	return "unauthorized"
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnauthorized).
func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}

// FlowNotFoundError is returned when a flow lookup finds no record.
type FlowNotFoundError struct {
	// ID is the flow identifier that was looked up.
	ID string
}

// Error returns a human-readable description of the missing flow.
func (e *FlowNotFoundError) Error() string {
	return fmt.Sprintf("flow %s not found", e.ID)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrFlowNotFound).
func (e *FlowNotFoundError) Is(target error) bool {
	return target == ErrFlowNotFound
}

// WaitTimeoutError is returned when WaitForFlows gives up before enough
// matching flows appeared.
type WaitTimeoutError struct {
	// Want is the number of flows waited for.
	Want int
	// Have is the number of matching flows seen on the last poll.
	Have int
	// Cause is the context error that ended the wait.
	Cause error
}

// Error returns a human-readable description of the timed-out wait.
func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %d flows, have %d", e.Want, e.Have)
}

// Unwrap returns the context error that ended the wait.
func (e *WaitTimeoutError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrWaitTimeout).
func (e *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}
