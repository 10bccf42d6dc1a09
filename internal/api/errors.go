package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/epicrisis/internal/inference"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrModelNotFound  = errors.New("model_not_found")
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

// classify maps a generation error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, inference.ErrEmptyMessages),
		errors.Is(err, inference.ErrTokenization):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled_error"
	case errors.Is(err, inference.ErrConfiguration):
		return http.StatusInternalServerError, "configuration_error"
	case errors.Is(err, inference.ErrEngineOutput):
		return http.StatusBadGateway, "engine_output_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
