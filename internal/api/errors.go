package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/samcharles93/accelops/internal/ops"
)

var ErrInvalidRequest = errors.New("invalid_request")

// invalidRequestError is a request that never reached the registry. param
// names the offending field, e.g. "inputs[1].data".
type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string { return e.msg }
func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(param, format string, args ...any) error {
	return invalidRequestError{param: param, msg: fmt.Sprintf(format, args...)}
}

// opErrorStatus maps an operation failure to its HTTP status and error code.
func opErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ops.ErrInvalidElementType):
		return http.StatusBadRequest, "invalid_element_type"
	case errors.Is(err, ops.ErrShapeMismatch):
		return http.StatusBadRequest, "shape_mismatch"
	case errors.Is(err, ops.ErrUnsupportedPrecision):
		return http.StatusBadRequest, "unsupported_precision"
	case errors.Is(err, ops.ErrUnsupportedDevice):
		return http.StatusUnprocessableEntity, "unsupported_device"
	case errors.Is(err, ops.ErrInfeasibleProblem):
		return http.StatusUnprocessableEntity, "infeasible_problem"
	default:
		return http.StatusInternalServerError, ""
	}
}
