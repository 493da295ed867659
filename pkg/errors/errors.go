// Package errors provides a structured error system for taskmcp with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for taskmcp operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection Errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Record Errors
	ErrCodeTaskNotFound    ErrorCode = "TASK_NOT_FOUND"
	ErrCodePlanNotFound    ErrorCode = "PLAN_NOT_FOUND"
	ErrCodeSubtaskNotFound ErrorCode = "SUBTASK_NOT_FOUND"
	ErrCodeStorageRead     ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite    ErrorCode = "STORAGE_WRITE"
	ErrCodeAccessDenied    ErrorCode = "ACCESS_DENIED"

	// Tool Errors
	ErrCodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	ErrCodeInvalidArguments ErrorCode = "TOOL_INVALID_ARGUMENTS"

	// Resource Errors
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// State Errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped   ErrorCode = "COMPONENT_STOPPED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Operation Errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal System Errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryTool          ErrorCategory = "tool"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// TaskError represents a structured error with context and metadata.
type TaskError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so errors.Is(err, NewError(code, "")) works.
func (e *TaskError) Is(target error) bool {
	if t, ok := target.(*TaskError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *TaskError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("TaskError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *TaskError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *TaskError {
	return &TaskError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a new error carrying cause.
func Wrap(cause error, code ErrorCode, message string) *TaskError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "MISSING_CONFIG") ||
		strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "TASK_") || strings.HasPrefix(codeStr, "PLAN_") ||
		strings.HasPrefix(codeStr, "SUBTASK_") || strings.HasPrefix(codeStr, "STORAGE_") ||
		strings.HasPrefix(codeStr, "ACCESS_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "TOOL_"):
		return CategoryTool
	case strings.HasPrefix(codeStr, "RATE_") || strings.HasPrefix(codeStr, "RESOURCE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "COMPONENT_") ||
		strings.HasPrefix(codeStr, "SERVICE_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionFailed:  true,
		ErrCodeNetworkError:      true,
		ErrCodeOperationTimeout:  true,
		ErrCodeResourceExhausted: true,
		ErrCodeStorageRead:       true,
		ErrCodeStorageWrite:      true,
		ErrCodeInternalError:     true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to callers.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:    true,
		ErrCodeMissingConfig:    true,
		ErrCodeConfigValidation: true,
		ErrCodeTaskNotFound:     true,
		ErrCodePlanNotFound:     true,
		ErrCodeSubtaskNotFound:  true,
		ErrCodeToolNotFound:     true,
		ErrCodeInvalidArguments: true,
		ErrCodeValidationFailed: true,
		ErrCodeRateLimited:      true,
		ErrCodeOperationTimeout: true,
	}
	return userFacingCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:      400, // Bad Request
		ErrCodeConfigValidation:   400,
		ErrCodeInvalidArguments:   400,
		ErrCodeValidationFailed:   400,
		ErrCodeAccessDenied:       403, // Forbidden
		ErrCodeTaskNotFound:       404, // Not Found
		ErrCodePlanNotFound:       404,
		ErrCodeSubtaskNotFound:    404,
		ErrCodeToolNotFound:       404,
		ErrCodeAlreadyStarted:     409, // Conflict
		ErrCodeRateLimited:        429, // Too Many Requests
		ErrCodeResourceExhausted:  429,
		ErrCodeInternalError:      500, // Internal Server Error
		ErrCodeServiceUnavailable: 503, // Service Unavailable
		ErrCodeComponentStopped:   503,
		ErrCodeOperationTimeout:   504, // Gateway Timeout
		ErrCodeConnectionTimeout:  504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *TaskError) WithContext(key, value string) *TaskError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *TaskError) WithDetail(key string, value interface{}) *TaskError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *TaskError) WithComponent(component string) *TaskError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *TaskError) WithOperation(operation string) *TaskError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *TaskError) WithCause(cause error) *TaskError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *TaskError) WithStack() *TaskError {
	e.Stack = CaptureStack(2)
	return e
}

// UserFacingMessage returns a simplified message suitable for tool callers
func (e *TaskError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred. Please retry or check the server logs."
	}
	return e.Message
}

// CodeOf returns the code of the first TaskError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if te, ok := err.(*TaskError); ok {
			return te.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternalError
}

// HTTPStatusOf returns the HTTP status carried by err, defaulting to 500.
func HTTPStatusOf(err error) int {
	for err != nil {
		if te, ok := err.(*TaskError); ok {
			if te.HTTPStatus != 0 {
				return te.HTTPStatus
			}
			return GetDefaultHTTPStatus(te.Code)
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 500
}

// IsNotFound reports whether err is one of the record-not-found codes.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeTaskNotFound, ErrCodePlanNotFound, ErrCodeSubtaskNotFound:
		return true
	}
	return false
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	for err != nil {
		if te, ok := err.(*TaskError); ok {
			return te.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
