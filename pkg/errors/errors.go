// Package errors provides a structured error system for the exporter with error codes, categories, and context.
package errors

import (
	stderr "errors"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for exporter operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidTarget ErrorCode = "INVALID_TARGET"

	// Backend connection errors
	ErrCodeConnectionFailed     ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout    ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionRefused    ErrorCode = "CONNECTION_REFUSED"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeCircuitOpen          ErrorCode = "CIRCUIT_OPEN"

	// Collection errors
	ErrCodeFetchFailure  ErrorCode = "FETCH_FAILURE"
	ErrCodeParseFailed   ErrorCode = "PARSE_FAILED"
	ErrCodeInvalidMetric ErrorCode = "INVALID_METRIC"

	// Serving errors
	ErrCodeRefreshTimeout  ErrorCode = "REFRESH_TIMEOUT"
	ErrCodeNoDataAvailable ErrorCode = "NO_DATA_AVAILABLE"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryCollection    ErrorCategory = "collection"
	CategoryServing       ErrorCategory = "serving"
	CategoryInternal      ErrorCategory = "internal"
)

// ExporterError represents a structured error with context and metadata.
type ExporterError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Target    string `json:"target,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *ExporterError) Error() string {
	var sb strings.Builder
	if e.Component != "" {
		sb.WriteString("[")
		sb.WriteString(e.Component)
		if e.Target != "" {
			sb.WriteString(":")
			sb.WriteString(e.Target)
		}
		sb.WriteString("] ")
	} else if e.Target != "" {
		sb.WriteString("[")
		sb.WriteString(e.Target)
		sb.WriteString("] ")
	}
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *ExporterError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an ExporterError with the same code.
func (e *ExporterError) Is(target error) bool {
	if t, ok := target.(*ExporterError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a new exporter error with default values for its code.
func NewError(code ErrorCode, message string) *ExporterError {
	return &ExporterError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a new exporter error around cause.
func Wrap(code ErrorCode, message string, cause error) *ExporterError {
	return NewError(code, message).WithCause(cause)
}

// Sentinel values usable with errors.Is; only the code is compared.
var (
	ErrInvalidMetric   = &ExporterError{Code: ErrCodeInvalidMetric}
	ErrFetchFailure    = &ExporterError{Code: ErrCodeFetchFailure}
	ErrRefreshTimeout  = &ExporterError{Code: ErrCodeRefreshTimeout}
	ErrNoDataAvailable = &ExporterError{Code: ErrCodeNoDataAvailable}
	ErrInvalidTarget   = &ExporterError{Code: ErrCodeInvalidTarget}
	ErrCircuitOpen     = &ExporterError{Code: ErrCodeCircuitOpen}
)

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeInvalidTarget:
		return CategoryConfiguration
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeConnectionRefused,
		ErrCodeAuthenticationFailed, ErrCodeCircuitOpen:
		return CategoryConnection
	case ErrCodeFetchFailure, ErrCodeParseFailed, ErrCodeInvalidMetric:
		return CategoryCollection
	case ErrCodeRefreshTimeout, ErrCodeNoDataAvailable:
		return CategoryServing
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionFailed:  true,
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionRefused: true,
	}
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:        http.StatusBadRequest,
		ErrCodeInvalidTarget:        http.StatusNotFound,
		ErrCodeAuthenticationFailed: http.StatusBadGateway,
		ErrCodeConnectionFailed:     http.StatusBadGateway,
		ErrCodeConnectionRefused:    http.StatusServiceUnavailable,
		ErrCodeConnectionTimeout:    http.StatusGatewayTimeout,
		ErrCodeCircuitOpen:          http.StatusServiceUnavailable,
		ErrCodeRefreshTimeout:       http.StatusServiceUnavailable,
		ErrCodeNoDataAvailable:      http.StatusServiceUnavailable,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetail adds detailed information to an error
func (e *ExporterError) WithDetail(key string, value interface{}) *ExporterError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *ExporterError) WithComponent(component string) *ExporterError {
	e.Component = component
	return e
}

// WithTarget sets the backend target for an error
func (e *ExporterError) WithTarget(target string) *ExporterError {
	e.Target = target
	return e
}

// WithCause sets the underlying cause
func (e *ExporterError) WithCause(cause error) *ExporterError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag
func (e *ExporterError) WithRetryable(retryable bool) *ExporterError {
	e.Retryable = retryable
	return e
}

// AsExporterError finds the first ExporterError in err's chain.
func AsExporterError(err error) (*ExporterError, bool) {
	var ee *ExporterError
	if stderr.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// CodeOf returns the code of the first ExporterError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	if ee, ok := AsExporterError(err); ok {
		return ee.Code
	}
	return ErrCodeInternalError
}

// HTTPStatusOf returns the HTTP status an error should be surfaced with.
func HTTPStatusOf(err error) int {
	if ee, ok := AsExporterError(err); ok && ee.HTTPStatus != 0 {
		return ee.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err carries a retryable ExporterError.
func IsRetryable(err error) bool {
	if ee, ok := AsExporterError(err); ok {
		return ee.Retryable
	}
	return false
}

// RootCode returns the code of the innermost ExporterError in err's chain,
// or ErrCodeInternalError when there is none.
func RootCode(err error) ErrorCode {
	code := ErrCodeInternalError
	for err != nil {
		if ee, ok := err.(*ExporterError); ok {
			code = ee.Code
		}
		err = stderr.Unwrap(err)
	}
	return code
}
