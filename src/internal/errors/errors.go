package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// ErrorType represents different types of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found_error"
	ErrorTypeConflict   ErrorType = "conflict_error"
	ErrorTypeDependency ErrorType = "dependency_error"
	ErrorTypeExecution  ErrorType = "execution_error"
	ErrorTypeDatabase   ErrorType = "database_error"
	ErrorTypeServer     ErrorType = "server_error"
)

// Error codes returned to API callers
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeDisabled         = "DISABLED"
	CodeDependencyCycle  = "DEPENDENCY_CYCLE"
	CodeDependencyExists = "DEPENDENCY_EXISTS"
	CodeDependencyUnmet  = "DEPENDENCY_UNMET"
	CodeTimeout          = "TIMEOUT"
	CodeDatabase         = "DATABASE_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// CustomError represents a custom application error
type CustomError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code"`
	StatusCode int                    `json:"status_code"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *CustomError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As
func (e *CustomError) Unwrap() error {
	return e.Cause
}

// NewCustomError creates a new custom error
func NewCustomError(errorType ErrorType, message, code string, statusCode int) *CustomError {
	return &CustomError{
		Type:       errorType,
		Message:    message,
		Code:       code,
		StatusCode: statusCode,
		Details:    make(map[string]interface{}),
	}
}

// WithCause adds a cause to the error
func (e *CustomError) WithCause(cause error) *CustomError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *CustomError) WithDetail(key string, value interface{}) *CustomError {
	e.Details[key] = value
	return e
}

// ValidationError rejects bad job configuration at create/update time
func ValidationError(message, field string) *CustomError {
	err := NewCustomError(ErrorTypeValidation, message, CodeValidation, http.StatusBadRequest)
	if field != "" {
		err.WithDetail("field", field)
	}
	return err
}

// NotFoundError reports a missing resource
func NotFoundError(resource, id string) *CustomError {
	return NewCustomError(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), CodeNotFound, http.StatusNotFound).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// ConflictError reports an operation rejected by the current job state
func ConflictError(message string) *CustomError {
	return NewCustomError(ErrorTypeConflict, message, CodeConflict, http.StatusConflict)
}

// DisabledError reports an execute attempt on a disabled schedule
func DisabledError(jobID string) *CustomError {
	return NewCustomError(ErrorTypeConflict, "job schedule is disabled", CodeDisabled, http.StatusConflict).
		WithDetail("job_id", jobID)
}

// DependencyCycleError reports a cycle in the dependency graph
func DependencyCycleError(jobIDs []string) *CustomError {
	return NewCustomError(ErrorTypeDependency, "dependency cycle detected", CodeDependencyCycle, http.StatusBadRequest).
		WithDetail("jobs", jobIDs)
}

// DependencyExistsError blocks deletion while other jobs reference the target
func DependencyExistsError(jobID string, dependents []string) *CustomError {
	return NewCustomError(ErrorTypeDependency, "job is referenced by other jobs", CodeDependencyExists, http.StatusConflict).
		WithDetail("job_id", jobID).
		WithDetail("dependents", dependents)
}

// DependencyUnmetError reports an unsatisfied prerequisite at dispatch
func DependencyUnmetError(jobID, prerequisiteID string) *CustomError {
	return NewCustomError(ErrorTypeDependency, "prerequisite job has not completed", CodeDependencyUnmet, http.StatusConflict).
		WithDetail("job_id", jobID).
		WithDetail("prerequisite", prerequisiteID)
}

// DatabaseError wraps a failed store operation
func DatabaseError(message string, cause error) *CustomError {
	return NewCustomError(ErrorTypeDatabase, message, CodeDatabase, http.StatusInternalServerError).
		WithCause(cause)
}

// IsCode reports whether err is a CustomError carrying the given code
func IsCode(err error, code string) bool {
	var ce *CustomError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// WrapRecordNotFound converts gorm's not-found error to the API taxonomy
func WrapRecordNotFound(err error, resource, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFoundError(resource, id)
	}
	return DatabaseError(fmt.Sprintf("failed to load %s", resource), err)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error      string                 `json:"error"`
	Code       string                 `json:"code"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
	Path       string                 `json:"path,omitempty"`
	StatusCode int                    `json:"status_code"`
}

// Handler maps application errors onto HTTP responses
type Handler struct {
	logger     *slog.Logger
	production bool
}

// NewHandler creates a new error handler
func NewHandler(logger *slog.Logger, production bool) *Handler {
	return &Handler{logger: logger, production: production}
}

// HTTPErrorHandler handles HTTP errors for Echo
func (h *Handler) HTTPErrorHandler(err error, c echo.Context) {
	var (
		code    = http.StatusInternalServerError
		message = "Internal server error"
		errCode = CodeInternal
		details map[string]interface{}
	)

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	path := c.Request().URL.Path

	var ce *CustomError
	var he *echo.HTTPError
	var je *json.SyntaxError
	switch {
	case errors.As(err, &ce):
		code = ce.StatusCode
		message = ce.Message
		errCode = ce.Code
		details = ce.Details
		if ce.StatusCode >= http.StatusInternalServerError {
			h.logger.Error("request failed", "code", errCode, "path", path, "error", err)
		}

	case errors.As(err, &he):
		code = he.Code
		message = fmt.Sprintf("%v", he.Message)
		switch code {
		case http.StatusNotFound:
			errCode = CodeNotFound
			message = "Resource not found"
		case http.StatusBadRequest:
			errCode = CodeValidation
		}

	case errors.As(err, &je):
		code = http.StatusBadRequest
		message = "Invalid JSON format"
		errCode = CodeValidation
		details = map[string]interface{}{"offset": je.Offset}

	default:
		h.logger.Error("unexpected error", "path", path, "method", c.Request().Method, "error", err)
	}

	// Don't expose internal errors in production
	if h.production && code == http.StatusInternalServerError {
		message = "Internal server error"
		details = map[string]interface{}{"error_id": requestID}
	}

	if c.Response().Committed {
		return
	}

	resp := ErrorResponse{
		Error:      message,
		Code:       errCode,
		Details:    details,
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID,
		Path:       path,
		StatusCode: code,
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		h.logger.Error("failed to send error response", "error", err)
	}
}
