package audit

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound = errors.New("audit record not found")
	ErrTimeout        = errors.New("audit store timed out")
)

// WriteError means a record could not be made durable. Callers must not
// report success for the work the record describes.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
