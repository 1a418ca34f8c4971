// Package errors provides unified error handling for the execution core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a member of the closed error taxonomy surfaced to callers and to telemetry.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "ValidationError"
	CodeConflict         ErrorCode = "ConflictError"
	CodeNotFound         ErrorCode = "NotFound"
	CodeRateLimited      ErrorCode = "RateLimited"
	CodeSandboxSyntax    ErrorCode = "Sandbox.Syntax"
	CodeSandboxDenied    ErrorCode = "Sandbox.Denied"
	CodeSandboxComplex   ErrorCode = "Sandbox.Complexity"
	CodeSandboxTimeout   ErrorCode = "Sandbox.Timeout"
	CodeSandboxMemory    ErrorCode = "Sandbox.MemoryExceeded"
	CodeSandboxRuntime   ErrorCode = "Sandbox.Runtime"
	CodeConnUnavailable  ErrorCode = "Connector.Unavailable"
	CodeConnTimeout      ErrorCode = "Connector.Timeout"
	CodeConnSchema       ErrorCode = "Connector.SchemaMismatch"
	CodeConnIO           ErrorCode = "Connector.IOError"
	CodeExecutionTimeout ErrorCode = "ExecutionTimeout"
	CodeCancelled        ErrorCode = "Cancelled"
	CodeStorageUnavail   ErrorCode = "StorageUnavailable"
	CodeInternal         ErrorCode = "Internal"
)

// Severity classifies how loudly an error should be audited.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForCode implements the derivation rule of the error handling design:
// validation -> low, rate-limit -> medium, sandbox-denied -> high, internal -> critical.
func SeverityForCode(code ErrorCode) Severity {
	switch code {
	case CodeInternal:
		return SeverityCritical
	case CodeSandboxDenied, CodeSandboxComplex, CodeSandboxRuntime:
		return SeverityHigh
	case CodeRateLimited, CodeConflict, CodeExecutionTimeout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// CoreError is the structured error type returned by every core component.
type CoreError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RetryAfter int                    `json:"retry_after_seconds,omitempty"`
	Err        error                  `json:"-"`
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *CoreError) WithRetryAfter(seconds int) *CoreError {
	e.RetryAfter = seconds
	return e
}

// New creates a CoreError.
func New(code ErrorCode, message string, httpStatus int) *CoreError {
	return &CoreError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a CoreError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *CoreError {
	return &CoreError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	ce := AsCoreError(err)
	return ce != nil && ce.Code == code
}

// AsCoreError extracts a CoreError from an error chain.
func AsCoreError(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code associated with an error.
func GetHTTPStatus(err error) int {
	if ce := AsCoreError(err); ce != nil {
		return ce.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Constructors mirroring the closed taxonomy in spec §7.

func Validation(field, reason string) *CoreError {
	return New(CodeValidation, "validation failed", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func ConflictErr(resource, id string, expectedVersion, actualVersion int) *CoreError {
	return New(CodeConflict, "version conflict", http.StatusConflict).
		WithDetails("resource", resource).WithDetails("id", id).
		WithDetails("expected_version", expectedVersion).WithDetails("actual_version", actualVersion)
}

func NotFoundErr(resource, id string) *CoreError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

func RateLimited(limit int, windowMs int64, retryAfterSeconds int) *CoreError {
	return New(CodeRateLimited, "too many requests", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("window_ms", windowMs).
		WithRetryAfter(retryAfterSeconds)
}

func SandboxError(kind ErrorCode, message string, err error) *CoreError {
	return Wrap(kind, message, http.StatusUnprocessableEntity, err)
}

func ConnectorError(kind ErrorCode, system string, err error) *CoreError {
	return Wrap(kind, "connector operation failed", http.StatusBadGateway, err).
		WithDetails("system", system)
}

func ExecutionTimeoutErr(executionID string) *CoreError {
	return New(CodeExecutionTimeout, "execution exceeded its deadline", http.StatusGatewayTimeout).
		WithDetails("execution_id", executionID)
}

func CancelledErr(executionID string) *CoreError {
	return New(CodeCancelled, "execution cancelled", http.StatusOK).
		WithDetails("execution_id", executionID)
}

func StorageUnavailable(err error) *CoreError {
	return Wrap(CodeStorageUnavail, "persistence gateway unavailable", http.StatusServiceUnavailable, err)
}

func InternalErr(message string, err error) *CoreError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}
