// Package retry runs an operation again after a transient failure.
//
// The proxy uses it for its single upstream retry: the attempt number is
// passed to the operation so the second attempt can use a fresh
// connection.
//
//	err := retry.Do(ctx, &retry.Config{MaxRetries: 1}, func(attempt int) error {
//	    return send(ctx, attempt)
//	}, &retry.Options{ShouldRetry: isConnectionError})
package retry
