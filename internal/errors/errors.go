package errors

import (
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidJSON      ErrorCode = "40003"

	// Authentication errors (401xx)
	ErrUnauthorized       ErrorCode = "40100"
	ErrInvalidCredentials ErrorCode = "40101"
	ErrTokenExpired       ErrorCode = "40102"

	// Authorization errors (403xx)
	ErrForbidden ErrorCode = "40301"

	// Resource errors (404xx)
	ErrNotFound        ErrorCode = "40400"
	ErrUserNotFound    ErrorCode = "40402"
	ErrJobNotFound     ErrorCode = "40403"
	ErrProfileNotFound ErrorCode = "40404"
	ErrNoInProgress    ErrorCode = "40405"

	// Conflict errors (409xx)
	ErrInProgressExists    ErrorCode = "40901"
	ErrProfileNotAvailable ErrorCode = "40902"
	ErrProfileRaceLost     ErrorCode = "40903"
	ErrProfileNotInJob     ErrorCode = "40904"

	// Rate limiting (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Server errors (500xx)
	ErrInternalServer     ErrorCode = "50001"
	ErrDatabaseError      ErrorCode = "50002"
	ErrNotificationError  ErrorCode = "50003"
	ErrServiceUnavailable ErrorCode = "50301"
	ErrDatabaseTimeout    ErrorCode = "50401"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	Timestamp  time.Time `json:"-"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying details
func (e *APIError) WithDetails(details any) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: e.HTTPStatus,
	}
}

// WithMessage returns a copy of the error with a different message
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		Details:    e.Details,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: e.HTTPStatus,
	}
}

// ErrorBody is the error object of the response envelope
type ErrorBody struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	Method    string    `json:"method,omitempty"`
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         ErrorBody `json:"error"`
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id"`
}

// NewErrorResponse builds the response envelope for an API error
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) *ErrorResponse {
	ts := err.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if correlationID == "" {
		correlationID = requestID
	}
	return &ErrorResponse{
		Error: ErrorBody{
			Code:      err.Code,
			Message:   err.Message,
			Details:   err.Details,
			Timestamp: ts.Format(time.RFC3339),
			Path:      path,
			Method:    method,
		},
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// Common errors
var (
	ErrUnauthorizedError = &APIError{
		Code:       ErrUnauthorized,
		Message:    "Authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidCredentialsError = &APIError{
		Code:       ErrInvalidCredentials,
		Message:    "Invalid access token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrJobNotFoundError = &APIError{
		Code:       ErrJobNotFound,
		Message:    "Job not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrProfileNotFoundError = &APIError{
		Code:       ErrProfileNotFound,
		Message:    "Review profile not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrNoInProgressError = &APIError{
		Code:       ErrNoInProgress,
		Message:    "You have no review in progress for this profile",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInProgressExistsError = &APIError{
		Code:       ErrInProgressExists,
		Message:    "You already have a review in progress. Complete or cancel it first.",
		HTTPStatus: http.StatusConflict,
	}

	ErrProfileNotAvailableError = &APIError{
		Code:       ErrProfileNotAvailable,
		Message:    "This profile is not available right now",
		HTTPStatus: http.StatusConflict,
	}

	ErrProfileRaceLostError = &APIError{
		Code:       ErrProfileRaceLost,
		Message:    "Another user just selected this profile. Please try a different profile.",
		HTTPStatus: http.StatusConflict,
	}

	ErrProfileNotInJobError = &APIError{
		Code:       ErrProfileNotInJob,
		Message:    "This profile is not offered by the job",
		HTTPStatus: http.StatusConflict,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Too many selection attempts. Please wait before trying again.",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrDatabaseErrorError = &APIError{
		Code:       ErrDatabaseError,
		Message:    "Database error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailableError = &APIError{
		Code:       ErrServiceUnavailable,
		Message:    "Service temporarily unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrDatabaseTimeoutError = &APIError{
		Code:       ErrDatabaseTimeout,
		Message:    "Database timeout",
		HTTPStatus: http.StatusGatewayTimeout,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewUnavailableUntilError creates a profile-not-available error that
// tells the client when the profile unlocks
func NewUnavailableUntilError(status string, unlocksAt *time.Time) *APIError {
	details := map[string]any{"status": status}
	if unlocksAt != nil {
		details["unlocks_at"] = unlocksAt.UTC().Format(time.RFC3339)
	}
	return ErrProfileNotAvailableError.WithDetails(details)
}

var codeStatus = map[ErrorCode]int{
	ErrInvalidRequest:      http.StatusBadRequest,
	ErrValidationFailed:    http.StatusBadRequest,
	ErrInvalidJSON:         http.StatusBadRequest,
	ErrUnauthorized:        http.StatusUnauthorized,
	ErrInvalidCredentials:  http.StatusUnauthorized,
	ErrTokenExpired:        http.StatusUnauthorized,
	ErrForbidden:           http.StatusForbidden,
	ErrNotFound:            http.StatusNotFound,
	ErrUserNotFound:        http.StatusNotFound,
	ErrJobNotFound:         http.StatusNotFound,
	ErrProfileNotFound:     http.StatusNotFound,
	ErrNoInProgress:        http.StatusNotFound,
	ErrInProgressExists:    http.StatusConflict,
	ErrProfileNotAvailable: http.StatusConflict,
	ErrProfileRaceLost:     http.StatusConflict,
	ErrProfileNotInJob:     http.StatusConflict,
	ErrRateLimited:         http.StatusTooManyRequests,
	ErrInternalServer:      http.StatusInternalServerError,
	ErrDatabaseError:       http.StatusInternalServerError,
	ErrNotificationError:   http.StatusInternalServerError,
	ErrServiceUnavailable:  http.StatusServiceUnavailable,
	ErrDatabaseTimeout:     http.StatusGatewayTimeout,
}

// GetHTTPStatusFromCode maps an error code to its HTTP status
func GetHTTPStatusFromCode(code ErrorCode) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether repeating the same request may succeed
func IsRetryable(err *APIError) bool {
	switch err.Code {
	case ErrServiceUnavailable, ErrDatabaseTimeout:
		return true
	default:
		return false
	}
}

// IsClientError reports a 4xx error
func IsClientError(err *APIError) bool {
	return err.HTTPStatus >= 400 && err.HTTPStatus < 500
}

// IsServerError reports a 5xx error
func IsServerError(err *APIError) bool {
	return err.HTTPStatus >= 500 && err.HTTPStatus < 600
}
