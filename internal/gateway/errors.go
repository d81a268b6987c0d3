package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start unless the gateway is stopped.
	ErrAlreadyStarted = errors.New("gateway already started")

	// ErrNotRunning is returned by Stop when the gateway is not serving.
	ErrNotRunning = errors.New("gateway not running")

	// ErrMissingTerminator is returned by New without a TLS terminator.
	ErrMissingTerminator = errors.New("TLS terminator is required")

	// ErrMissingHandler is returned by New without a request handler.
	ErrMissingHandler = errors.New("request handler is required")

	// ErrMissingAddress is returned by New without a listen address.
	ErrMissingAddress = errors.New("listen address is required")
)

// ListenError reports that the mTLS listener could not bind its address.
type ListenError struct {
	Address string
	Cause   error
}

// Error implements the error interface.
func (e *ListenError) Error() string {
	return fmt.Sprintf("mTLS listener cannot bind %s: %v", e.Address, e.Cause)
}

// Unwrap returns the bind error.
func (e *ListenError) Unwrap() error {
	return e.Cause
}
