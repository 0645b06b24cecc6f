package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents client error codes
type ErrorCode string

const (
	ErrCodeAuth              ErrorCode = "AUTH_ERROR"
	ErrCodeAPI               ErrorCode = "API_ERROR"
	ErrCodeRoomNotFound      ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeRoomFull          ErrorCode = "ROOM_FULL"
	ErrCodeRoomEnded         ErrorCode = "ROOM_ENDED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeDevice            ErrorCode = "DEVICE_ERROR"
	ErrCodeChannel           ErrorCode = "CHANNEL_ERROR"
	ErrCodeAlreadyInProgress ErrorCode = "ALREADY_IN_PROGRESS"
	ErrCodeCanceled          ErrorCode = "CANCELED"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeNotInMeeting      ErrorCode = "NOT_IN_MEETING"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// DeviceReason narrows a DEVICE_ERROR down to something a user can act on.
type DeviceReason string

const (
	DeviceReasonPermissionDenied        DeviceReason = "permission_denied"
	DeviceReasonNoDevice                DeviceReason = "no_device"
	DeviceReasonConstraintUnsatisfiable DeviceReason = "constraint_unsatisfiable"
	DeviceReasonUnknown                 DeviceReason = "unknown"
)

// Sentinels for errors.Is checks; matching is by code.
var (
	ErrAuth              = &AppError{Code: ErrCodeAuth}
	ErrAPI               = &AppError{Code: ErrCodeAPI}
	ErrRoomNotFound      = &AppError{Code: ErrCodeRoomNotFound}
	ErrRoomFull          = &AppError{Code: ErrCodeRoomFull}
	ErrRoomEnded         = &AppError{Code: ErrCodeRoomEnded}
	ErrForbidden         = &AppError{Code: ErrCodeForbidden}
	ErrTimeout           = &AppError{Code: ErrCodeTimeout}
	ErrDevice            = &AppError{Code: ErrCodeDevice}
	ErrChannel           = &AppError{Code: ErrCodeChannel}
	ErrAlreadyInProgress = &AppError{Code: ErrCodeAlreadyInProgress}
	ErrCanceled          = &AppError{Code: ErrCodeCanceled}
	ErrInvalidInput      = &AppError{Code: ErrCodeInvalidInput}
)

// AppError represents a client error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int

	// Stage is set on errors returned by composite operations and names the step that failed.
	Stage   string
	Reason  DeviceReason
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s [stage=%s]", msg, e.Stage)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithStage returns a copy of the error tagged with the failing stage.
func (e *AppError) WithStage(stage string) *AppError {
	cp := *e
	cp.Stage = stage
	return &cp
}

// NewAppError creates a new client error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a client error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewAuthError(message string) *AppError {
	return NewAppError(ErrCodeAuth, message, http.StatusUnauthorized)
}

func NewAPIError(message string, httpStatus int, cause error) *AppError {
	return WrapError(cause, ErrCodeAPI, message, httpStatus)
}

func NewRoomNotFoundError(roomID string) *AppError {
	return NewAppError(ErrCodeRoomNotFound, fmt.Sprintf("room %s not found", roomID), http.StatusNotFound).
		WithContext("room_id", roomID)
}

func NewRoomFullError(message string) *AppError {
	return NewAppError(ErrCodeRoomFull, message, http.StatusBadRequest)
}

func NewRoomEndedError(message string) *AppError {
	return NewAppError(ErrCodeRoomEnded, message, http.StatusBadRequest)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewTimeoutError(operation string, cause error) *AppError {
	return WrapError(cause, ErrCodeTimeout, fmt.Sprintf("%s timed out", operation), 0)
}

func NewDeviceError(reason DeviceReason, message string, cause error) *AppError {
	e := WrapError(cause, ErrCodeDevice, message, 0)
	e.Reason = reason
	return e
}

func NewChannelError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeChannel, message, 0)
}

func NewAlreadyInProgressError(operation string) *AppError {
	return NewAppError(ErrCodeAlreadyInProgress, fmt.Sprintf("%s already in progress", operation), http.StatusConflict)
}

func NewCanceledError(cause error) *AppError {
	return WrapError(cause, ErrCodeCanceled, "operation canceled", 0)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotInMeetingError() *AppError {
	return NewAppError(ErrCodeNotInMeeting, "no meeting is joined", http.StatusConflict)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	return stderrors.Is(err, &AppError{Code: code})
}

// Retryable reports whether an idempotent call that failed with err may be retried.
func Retryable(err error) bool {
	appErr := GetAppError(err)
	if appErr == nil {
		return false
	}
	switch appErr.Code {
	case ErrCodeTimeout:
		return true
	case ErrCodeAPI:
		// 4xx responses will not change on a retry
		return appErr.HTTPStatus == 0 || appErr.HTTPStatus >= http.StatusInternalServerError
	default:
		return false
	}
}

// StageOf returns the failing stage recorded on err.
func StageOf(err error) string {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Stage
	}
	return ""
}
