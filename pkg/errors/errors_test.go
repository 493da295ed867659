package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Message != "configuration is invalid" {
			t.Errorf("Message = %q, want %q", err.Message, "configuration is invalid")
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Context == nil {
			t.Error("Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeStorageRead, "read failed").Retryable {
			t.Error("StorageRead should be retryable by default")
		}
		if NewError(ErrCodeTaskNotFound, "missing").Retryable {
			t.Error("TaskNotFound should not be retryable by default")
		}
	})

	t.Run("sets correct user-facing defaults", func(t *testing.T) {
		if !NewError(ErrCodeTaskNotFound, "task not found").UserFacing {
			t.Error("TaskNotFound should be user-facing by default")
		}
		if NewError(ErrCodeInternalError, "internal error").UserFacing {
			t.Error("InternalError should not be user-facing by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeConnectionFailed, CategoryConnection},
		{ErrCodeNetworkError, CategoryConnection},
		{ErrCodeTaskNotFound, CategoryStorage},
		{ErrCodePlanNotFound, CategoryStorage},
		{ErrCodeSubtaskNotFound, CategoryStorage},
		{ErrCodeStorageWrite, CategoryStorage},
		{ErrCodeToolNotFound, CategoryTool},
		{ErrCodeInvalidArguments, CategoryTool},
		{ErrCodeRateLimited, CategoryResource},
		{ErrCodeComponentStopped, CategoryState},
		{ErrCodeOperationTimeout, CategoryOperation},
		{ErrCodeValidationFailed, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestGetDefaultHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{ErrCodeInvalidConfig, 400},
		{ErrCodeValidationFailed, 400},
		{ErrCodeInvalidArguments, 400},
		{ErrCodeAccessDenied, 403},
		{ErrCodeTaskNotFound, 404},
		{ErrCodeToolNotFound, 404},
		{ErrCodeAlreadyStarted, 409},
		{ErrCodeRateLimited, 429},
		{ErrCodeInternalError, 500},
		{ErrCodeServiceUnavailable, 503},
		{ErrCodeOperationTimeout, 504},
		{ErrorCode("UNKNOWN_CODE"), 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetDefaultHTTPStatus(tt.code); got != tt.wantStatus {
				t.Errorf("GetDefaultHTTPStatus(%v) = %d, want %d", tt.code, got, tt.wantStatus)
			}
		})
	}
}

func TestTaskError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *TaskError
		want string
	}{
		{
			name: "with component and operation",
			err: &TaskError{
				Code:      ErrCodeTaskNotFound,
				Component: "store",
				Operation: "get_task",
				Message:   "task t-1 does not exist",
			},
			want: "[store:get_task] TASK_NOT_FOUND: task t-1 does not exist",
		},
		{
			name: "with component only",
			err: &TaskError{
				Code:      ErrCodeInvalidConfig,
				Component: "config",
				Message:   "invalid value",
			},
			want: "[config] INVALID_CONFIG: invalid value",
		},
		{
			name: "minimal error",
			err:  &TaskError{Code: ErrCodeInternalError, Message: "something went wrong"},
			want: "INTERNAL_ERROR: something went wrong",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying cause")
	err := Wrap(cause, ErrCodeStorageRead, "read failed")

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !errors.Is(err, NewError(ErrCodeStorageRead, "other message")) {
		t.Error("errors with same code should match with Is()")
	}
	if errors.Is(err, NewError(ErrCodeStorageWrite, "")) {
		t.Error("errors with different codes should not match with Is()")
	}
}

func TestCodeHelpers(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("handler: %w", NewError(ErrCodePlanNotFound, "no plan"))

	if got := CodeOf(wrapped); got != ErrCodePlanNotFound {
		t.Errorf("CodeOf() = %v, want %v", got, ErrCodePlanNotFound)
	}
	if got := HTTPStatusOf(wrapped); got != 404 {
		t.Errorf("HTTPStatusOf() = %d, want 404", got)
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should be true for PLAN_NOT_FOUND")
	}
	if IsRetryable(wrapped) {
		t.Error("PLAN_NOT_FOUND should not be retryable")
	}
	if !IsRetryable(NewError(ErrCodeStorageWrite, "x")) {
		t.Error("STORAGE_WRITE should be retryable")
	}

	plain := errors.New("plain")
	if got := CodeOf(plain); got != ErrCodeInternalError {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrCodeInternalError)
	}
	if got := HTTPStatusOf(plain); got != 500 {
		t.Errorf("HTTPStatusOf(plain) = %d, want 500", got)
	}
}

func TestTaskError_String(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeOperationTimeout, "operation took too long").
		WithComponent("store").
		WithOperation("list_tasks").
		WithDetail("duration", 30).
		WithCause(errors.New("network timeout"))
	err.Retryable = true

	result := err.String()
	for _, part := range []string{
		"Code=OPERATION_TIMEOUT",
		"Category=operation",
		`Message="operation took too long"`,
		"Component=store",
		"Operation=list_tasks",
		"Retryable=true",
		"Details=",
		"Cause=",
	} {
		if !strings.Contains(result, part) {
			t.Errorf("String() missing expected part: %q\nGot: %s", part, result)
		}
	}
}

func TestTaskError_JSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeValidationFailed, "title is required").WithComponent("tools")

	var parsed map[string]interface{}
	if parseErr := json.Unmarshal([]byte(err.JSON()), &parsed); parseErr != nil {
		t.Fatalf("JSON() returned invalid JSON: %v", parseErr)
	}
	if parsed["code"] != "VALIDATION_FAILED" {
		t.Errorf("JSON code = %v, want VALIDATION_FAILED", parsed["code"])
	}
	if parsed["user_facing"] != true {
		t.Errorf("JSON user_facing = %v, want true", parsed["user_facing"])
	}
}

func TestUserFacingMessage(t *testing.T) {
	t.Parallel()

	if got := NewError(ErrCodeTaskNotFound, "task t-9 not found").UserFacingMessage(); got != "task t-9 not found" {
		t.Errorf("UserFacingMessage() = %q", got)
	}
	if got := NewError(ErrCodeInternalError, "nil pointer in store").UserFacingMessage(); strings.Contains(got, "nil pointer") {
		t.Errorf("internal details leaked: %q", got)
	}
}

func TestCaptureStack(t *testing.T) {
	t.Parallel()

	stack := CaptureStack(0)
	if stack == "" {
		t.Error("CaptureStack() returned empty string")
	}
	if !strings.Contains(stack, ":") {
		t.Error("Stack trace should contain file:line format")
	}
}
