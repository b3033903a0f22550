package apperr

import "fmt"

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func New(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

// AuthenticationFailed covers bad or missing signatures and credentials.
// Never retried.
func AuthenticationFailed(msg string) *AppError {
	return &AppError{Code: "AUTHENTICATION_FAILED", Status: 401, Message: msg}
}

// ValidationFailed covers malformed payloads. Rejected, logged, not retried.
func ValidationFailed(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  400,
		Message: "Validation failed",
		Details: details,
	}
}

func NotFound(kind, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", kind, id),
	}
}

func NetworkError(msg string) *AppError {
	return &AppError{Code: "NETWORK_ERROR", Status: 502, Message: msg}
}

func Timeout(msg string) *AppError {
	return &AppError{Code: "TIMEOUT", Status: 504, Message: msg}
}

// ConflictUnresolved signals a sync disagreement under the manual policy.
// It is surfaced as an open SyncConflict record, not an exception path.
func ConflictUnresolved(entityType, entityID string) *AppError {
	return &AppError{
		Code:    "CONFLICT_UNRESOLVED",
		Status:  409,
		Message: fmt.Sprintf("open sync conflict for %s/%s", entityType, entityID),
	}
}

func ExecutionTimedOut(executionID string) *AppError {
	return &AppError{
		Code:    "EXECUTION_TIMED_OUT",
		Status:  504,
		Message: fmt.Sprintf("execution %s reached its maximum wait", executionID),
	}
}

func QueueOverflow(depth, capacity int) *AppError {
	return &AppError{
		Code:    "QUEUE_OVERFLOW",
		Status:  503,
		Message: fmt.Sprintf("processing backlog %d exceeds capacity %d", depth, capacity),
	}
}
