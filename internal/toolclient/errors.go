package toolclient

import (
	"fmt"
	"time"
)

// TimeoutError indicates a tool call exceeded its deadline. The connection
// is kept: the call, not the connection, is presumed slow. Not retried.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}

// ConnectionError indicates the worker connection failed (reset, protocol
// violation, spawn failure). The pool entry has already been evicted and one
// retry performed by the time a caller sees this.
type ConnectionError struct {
	Key string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tool worker connection %q failed: %v", e.Key, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
