package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/bergman/internal/rgma"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps an error to an HTTP status and an error type string.
// Anything the caller could fix by changing the request body is a 400.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, rgma.ErrShapeMismatch):
		return http.StatusBadRequest, "shape_mismatch"
	case errors.Is(err, rgma.ErrMaskLengthMismatch):
		return http.StatusBadRequest, "mask_length_mismatch"
	case errors.Is(err, rgma.ErrConfiguration):
		return http.StatusBadRequest, "configuration_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
