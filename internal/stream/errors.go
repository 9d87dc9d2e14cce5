package stream

import (
	"errors"
	"fmt"
)

// ErrPendingOverflow is returned when undelivered text grows past the
// assembler's MaxPending limit without producing a complete record.
var ErrPendingOverflow = errors.New("pending buffer exceeds limit")

// RequestFailed reports a non-success HTTP status received before any body
// bytes were consumed.
type RequestFailed struct {
	Status  int
	Message string
}

func (e *RequestFailed) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// StreamReadError wraps an I/O failure on the underlying source. Text already
// emitted before the failure stays valid.
type StreamReadError struct {
	Err error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("read stream: %v", e.Err)
}

func (e *StreamReadError) Unwrap() error {
	return e.Err
}
