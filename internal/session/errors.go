package session

import (
	"errors"
	"fmt"
)

// ErrCodeFlushFailed indicates the Persister rejected a flush.
// The session's pending changes are intact.
const ErrCodeFlushFailed = "FLUSH_FAILED"

// FlushError reports a failed Flush.
type FlushError struct {
	Code    string
	Pending int // operations still pending after the failure
	Err     error
}

// Error implements the error interface.
func (e *FlushError) Error() string {
	return fmt.Sprintf("%s: %d pending operations kept: %v", e.Code, e.Pending, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// IsFlushFailed returns true if err is (or wraps) a FLUSH_FAILED error.
func IsFlushFailed(err error) bool {
	var fe *FlushError
	return errors.As(err, &fe) && fe.Code == ErrCodeFlushFailed
}
