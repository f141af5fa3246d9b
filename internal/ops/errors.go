// Package ops implements the accelerator operations: an f16 elementwise
// add and a bf16 GEMM with float32 output, plus the registry that routes
// calls to them by device kind.
package ops

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidElementType   = errors.New("invalid element type")
	ErrShapeMismatch        = errors.New("shape mismatch")
	ErrUnsupportedDevice    = errors.New("unsupported device")
	ErrUnsupportedPrecision = errors.New("unsupported precision")
	ErrInfeasibleProblem    = errors.New("infeasible problem")
)

// Error is a precondition failure of one operation. It unwraps to Kind.
type Error struct {
	Kind   error
	Op     string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(op string, kind error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}
