package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for proxy operations.
var (
	// ErrUpstreamUnavailable indicates that the upstream could not be reached,
	// after the retry if one was allowed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCircuitOpen indicates that the upstream's circuit breaker rejected the request.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrForbidden indicates that the route requires a verified client identity.
	ErrForbidden = errors.New("client certificate required")

	// ErrRateLimited indicates that the route's rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNonCanonicalPath indicates a request path with dot segments or
	// repeated slashes, which could resolve to a different route upstream.
	ErrNonCanonicalPath = errors.New("request path is not canonical")
)

// Error codes written in JSON error bodies.
const (
	CodeNoRoute             = "no_route"
	CodeInvalidPath         = "invalid_path"
	CodeForbidden           = "forbidden"
	CodeVerificationFailed  = "verification_failed"
	CodeRateLimited         = "rate_limited"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInternal            = "internal_error"
)

// ProxyError represents a proxy-related error with details.
type ProxyError struct {
	Op       string
	Route    string
	Upstream string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("proxy error [%s]", e.Op)
	if e.Route != "" {
		msg += " route=" + e.Route
	}
	if e.Upstream != "" {
		msg += " upstream=" + e.Upstream
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}

// NewUpstreamError wraps a transport failure for route.
func NewUpstreamError(route, upstream string, cause error) *ProxyError {
	return &ProxyError{
		Op:       "forward",
		Route:    route,
		Upstream: upstream,
		Message:  "upstream request failed",
		Cause:    fmt.Errorf("%w: %w", ErrUpstreamUnavailable, cause),
	}
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}
