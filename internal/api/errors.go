package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/scfdev/internal/eri"
	"github.com/samcharles93/scfdev/internal/offload"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrBodyTooLarge   = errors.New("request body too large")
)

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

// ResponseError is the body of every failed call.
type ResponseError struct {
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
	Type    string `json:"type,omitempty" msgpack:"type,omitempty"`
	Param   string `json:"param,omitempty" msgpack:"param,omitempty"`
}

// classify maps a facade error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "request_too_large_error"
	case errors.Is(err, offload.ErrDimension):
		return http.StatusBadRequest, "dimension_error"
	case errors.Is(err, offload.ErrInvalidDevice), errors.Is(err, offload.ErrNoDevice):
		return http.StatusConflict, "device_error"
	case errors.Is(err, offload.ErrNotInitialized):
		return http.StatusConflict, "state_error"
	case errors.Is(err, eri.ErrCacheDesync), errors.Is(err, eri.ErrShape):
		return http.StatusConflict, "cache_error"
	case errors.Is(err, offload.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// errorParam names the offending field for dimension errors.
func errorParam(err error) string {
	var dimErr *offload.DimError
	if errors.As(err, &dimErr) {
		return dimErr.Field
	}
	return ""
}
