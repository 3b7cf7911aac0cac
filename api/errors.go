package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/regression-io/stratum/contracts"
)

// API-specific errors.
var (
	// ErrSpecNotFound is returned for a spec name that was never registered.
	ErrSpecNotFound = errors.New("spec not registered")

	// ErrBodyTooLarge is returned when a request body exceeds the limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

// ErrorCode represents an API error code.
type ErrorCode string

// Error codes for API responses.
const (
	CodeInvalidInput    ErrorCode = "invalid_input"
	CodeSpecInvalid     ErrorCode = "spec_invalid"
	CodeSpecNotFound    ErrorCode = "spec_not_found"
	CodeFlowNotFound    ErrorCode = "flow_not_found"
	CodeRunNotFound     ErrorCode = "run_not_found"
	CodeRunTerminal     ErrorCode = "run_terminal"
	CodeStepNotFound    ErrorCode = "step_not_found"
	CodeStepNotRunning  ErrorCode = "step_not_running"
	CodeStepNotAwaiting ErrorCode = "step_not_awaiting"
	CodeExpired         ErrorCode = "suspension_expired"
	CodeNegativeUsage   ErrorCode = "negative_usage"
	CodeBodyTooLarge    ErrorCode = "body_too_large"
	CodeCancelled       ErrorCode = "cancelled"
	CodeTimeout         ErrorCode = "timeout"
	CodeInternalError   ErrorCode = "internal_error"
)

// HTTPError represents an error with an associated HTTP status code.
type HTTPError struct {
	StatusCode int
	Code       ErrorCode
	Err        error
}

func (e *HTTPError) Error() string {
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// MapError maps a domain error to an HTTPError.
func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	var verr *contracts.SpecValidationError
	switch {
	case errors.As(err, &verr):
		return &HTTPError{http.StatusUnprocessableEntity, CodeSpecInvalid, err}

	case errors.Is(err, ErrBodyTooLarge):
		return &HTTPError{http.StatusRequestEntityTooLarge, CodeBodyTooLarge, err}

	case errors.Is(err, contracts.ErrNegativeUsage):
		return &HTTPError{http.StatusBadRequest, CodeNegativeUsage, err}

	case errors.Is(err, contracts.ErrInvalidInput):
		return &HTTPError{http.StatusBadRequest, CodeInvalidInput, err}

	case errors.Is(err, ErrSpecNotFound):
		return &HTTPError{http.StatusNotFound, CodeSpecNotFound, err}

	case errors.Is(err, contracts.ErrFlowNotFound):
		return &HTTPError{http.StatusNotFound, CodeFlowNotFound, err}

	case errors.Is(err, contracts.ErrRunNotFound):
		return &HTTPError{http.StatusNotFound, CodeRunNotFound, err}

	case errors.Is(err, contracts.ErrStepNotFound):
		return &HTTPError{http.StatusNotFound, CodeStepNotFound, err}

	case errors.Is(err, contracts.ErrRunTerminal):
		return &HTTPError{http.StatusConflict, CodeRunTerminal, err}

	case errors.Is(err, contracts.ErrStepNotRunning):
		return &HTTPError{http.StatusConflict, CodeStepNotRunning, err}

	case errors.Is(err, contracts.ErrStepNotAwaiting):
		return &HTTPError{http.StatusConflict, CodeStepNotAwaiting, err}

	case errors.Is(err, contracts.ErrSuspensionExpired):
		return &HTTPError{http.StatusGone, CodeExpired, err}

	case errors.Is(err, context.Canceled):
		// 499: nginx convention for "client closed request"
		return &HTTPError{499, CodeCancelled, err}

	case errors.Is(err, context.DeadlineExceeded):
		return &HTTPError{http.StatusGatewayTimeout, CodeTimeout, err}

	default:
		return &HTTPError{http.StatusInternalServerError, CodeInternalError, err}
	}
}

// WriteError writes an error response to the HTTP response writer. Spec
// validation failures carry every issue.
func WriteError(w http.ResponseWriter, err error) {
	httpErr := MapError(err)
	if httpErr == nil {
		return
	}

	resp := ErrorDTO{
		Code:    string(httpErr.Code),
		Message: httpErr.Error(),
	}
	var verr *contracts.SpecValidationError
	if errors.As(err, &verr) {
		resp.Issues = verr.Issues
	}

	writeJSON(w, httpErr.StatusCode, resp)
}
