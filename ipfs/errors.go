package ipfs

import (
	"errors"
	"fmt"
)

// RetryableError marks a pinning-service failure worth retrying: transport
// errors, 5xx responses, and 429 rate limiting.
type RetryableError struct {
	Status int // HTTP status, 0 for transport errors
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ipfs: retryable (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("ipfs: retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: 4xx responses
// other than 429. The owning invoice is routed to a terminal failed status.
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ipfs: permanent (status %d): %v", e.Status, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried per the pipeline's
// error taxonomy. Unknown errors default to retryable (transport-level).
func IsRetryable(err error) bool {
	var perm *PermanentError
	return !errors.As(err, &perm)
}
