//go:build cuda

package cuda

import (
	"errors"
	"fmt"
)

// ErrExecution marks a stream failure recovered from a panic in native
// code. It is sticky like any other stream error.
var ErrExecution = errors.New("cuda: execution failed")

func executionError(what string, rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("%w: %s: %w", ErrExecution, what, recErr)
	}
	return fmt.Errorf("%w: %s: %v", ErrExecution, what, rec)
}
