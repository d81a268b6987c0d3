package middleware

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"
)

// ContentTypeJSON is the JSON content type.
const ContentTypeJSON = "application/json"

// ErrInternalServerError is the body written after a recovered panic.
const ErrInternalServerError = `{"error":"internal_error","message":"internal server error"}`

// maxRequestIDLength bounds a client-supplied request ID.
const maxRequestIDLength = 128
