// Package server exposes jobs over HTTP: submission, follow-ups, message
// history, state and the live event stream.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/codee/internal/pipeline"
	"github.com/jonathan/codee/internal/providers"
)

// ErrJobNotFound indicates the server knows nothing about a job.
type ErrJobNotFound struct {
	JobID string
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrUnavailable indicates an optional backend is not configured.
type ErrUnavailable struct {
	Feature string
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("%s is not configured", e.Feature)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		notFound    *ErrJobNotFound
		validation  *ErrValidation
		invalidJob  *pipeline.InvalidJobError
		unavailable *ErrUnavailable
		apiErr      *providers.APIError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &invalidJob):
		return http.StatusBadRequest
	case errors.Is(err, providers.ErrNotConnected):
		return http.StatusPreconditionFailed
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
