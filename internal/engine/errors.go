package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/qidtrack/internal/config"
)

// ServerError represents an error reported by the host to a client.
//
// ServerError includes structured fields for diagnostics; the underlying
// cause, when there is one, is available through errors.Unwrap.
type ServerError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// PID is the backend that hit the error, 0 for server-level errors.
	PID int32

	// Statement is the trimmed statement text, when one was being run.
	Statement string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes server errors.
type ErrorCode string

const (
	// ErrCodeTooManyConnections indicates every client slot is taken.
	ErrCodeTooManyConnections ErrorCode = "TOO_MANY_CONNECTIONS"

	// ErrCodeServerNotRunning indicates the server was not started or has stopped.
	ErrCodeServerNotRunning ErrorCode = "SERVER_NOT_RUNNING"

	// ErrCodeConnectionClosed indicates the backend was already closed.
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"

	// ErrCodeSyntaxError indicates the statement text could not be parsed.
	ErrCodeSyntaxError ErrorCode = "SYNTAX_ERROR"

	// ErrCodeExecutionFailed indicates the executor rejected or failed the statement.
	ErrCodeExecutionFailed ErrorCode = "EXECUTION_FAILED"

	// ErrCodePermissionDenied indicates the session role may not change a setting.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrCodeUnknownSetting indicates a SET, RESET or SHOW of an undefined name.
	ErrCodeUnknownSetting ErrorCode = "UNKNOWN_SETTING"

	// ErrCodeInvalidValue indicates a setting value that does not parse.
	ErrCodeInvalidValue ErrorCode = "INVALID_PARAMETER_VALUE"

	// ErrCodeNoActiveTransaction indicates PREPARE TRANSACTION outside a block.
	ErrCodeNoActiveTransaction ErrorCode = "NO_ACTIVE_TRANSACTION"

	// ErrCodePreparedXactExists indicates a duplicate prepared transaction id.
	ErrCodePreparedXactExists ErrorCode = "PREPARED_XACT_EXISTS"

	// ErrCodePreparedXactNotFound indicates COMMIT/ROLLBACK PREPARED of an unknown id.
	ErrCodePreparedXactNotFound ErrorCode = "PREPARED_XACT_NOT_FOUND"

	// ErrCodeNoFreePreparedSlot indicates max_prepared_transactions is exhausted.
	ErrCodeNoFreePreparedSlot ErrorCode = "NO_FREE_PREPARED_SLOT"
)

// Error implements the error interface.
func (e *ServerError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.PID != 0 {
		msg = fmt.Sprintf("%s (pid=%d)", msg, e.PID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ServerError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first ServerError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsPermissionError returns true if the error is a permission error.
// Uses errors.As to handle wrapped errors.
func IsPermissionError(err error) bool {
	return CodeOf(err) == ErrCodePermissionDenied
}

// IsSyntaxError returns true if the error is a syntax error.
// Uses errors.As to handle wrapped errors.
func IsSyntaxError(err error) bool {
	return CodeOf(err) == ErrCodeSyntaxError
}

// newServerError creates a ServerError without a cause.
func newServerError(code ErrorCode, format string, args ...any) *ServerError {
	return &ServerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewSyntaxError creates a ServerError for unparsable statement text.
func NewSyntaxError(pos int, near string) *ServerError {
	if near == "" {
		return newServerError(ErrCodeSyntaxError, "syntax error at end of input (position %d)", pos)
	}
	return newServerError(ErrCodeSyntaxError, "syntax error at or near %q (position %d)", near, pos)
}

// NewExecutionError wraps an executor failure.
func NewExecutionError(statement string, err error) *ServerError {
	return &ServerError{
		Code:      ErrCodeExecutionFailed,
		Message:   "statement failed",
		Statement: statement,
		Err:       err,
	}
}

// settingError maps settings registry errors to server errors.
func settingError(err error) *ServerError {
	code := ErrCodeInvalidValue
	switch {
	case errors.Is(err, config.ErrUnknownSetting):
		code = ErrCodeUnknownSetting
	case errors.Is(err, config.ErrPermissionDenied):
		code = ErrCodePermissionDenied
	}
	return &ServerError{Code: code, Message: "cannot apply setting", Err: err}
}
