package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Every operation failure wraps exactly one of these so
// callers can match with errors.Is and the HTTP layer can pick a status.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrStorage    = errors.New("storage failure")
	ErrNarrator   = errors.New("narrator failure")
	ErrInternal   = errors.New("internal error")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func storagef(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// httpStatus maps the error taxonomy to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStorage), errors.Is(err, ErrNarrator):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
