package authpipe

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying pipeline failures.
var (
	// ErrTimeout indicates the call (or the wait for an in-flight refresh) exceeded its deadline.
	ErrTimeout = errors.New("dispatch.timeout")
	// ErrUnauthorized indicates the request could not be authorized.
	ErrUnauthorized = errors.New("dispatch.unauthorized")
	// ErrUpstream indicates a non-2xx response other than 401.
	ErrUpstream = errors.New("dispatch.upstream")
	// ErrTransport indicates the request never produced a response for a reason other than a timeout.
	ErrTransport = errors.New("dispatch.transport")
	// ErrRefreshFailed indicates the refresh exchange did not yield a new credential.
	ErrRefreshFailed = errors.New("refresh.failed")
)

// DispatchError describes a failed pipeline call. Kind is one of the sentinel errors above.
type DispatchError struct {
	Kind       error
	StatusCode int
	Body       []byte
	Cause      error
}

// Error renders the kind, status, and cause.
func (dispatchErr *DispatchError) Error() string {
	message := dispatchErr.Kind.Error()
	if dispatchErr.StatusCode != 0 {
		message = fmt.Sprintf("%s: status %d", message, dispatchErr.StatusCode)
	}
	if dispatchErr.Cause != nil {
		message = fmt.Sprintf("%s: %v", message, dispatchErr.Cause)
	}
	return message
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (dispatchErr *DispatchError) Unwrap() []error {
	if dispatchErr.Cause == nil {
		return []error{dispatchErr.Kind}
	}
	return []error{dispatchErr.Kind, dispatchErr.Cause}
}

func unauthorizedError(statusCode int, body []byte, cause error) *DispatchError {
	return &DispatchError{Kind: ErrUnauthorized, StatusCode: statusCode, Body: body, Cause: cause}
}

func timeoutError(cause error) *DispatchError {
	return &DispatchError{Kind: ErrTimeout, Cause: cause}
}
