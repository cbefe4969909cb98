package errors

import (
	stderrors "errors"
	"fmt"
)

// AppError represents a structured harness error
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context, keeping the code of an inner AppError
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Cause:   err,
		}
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WithCode adds an error code to an existing error
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Code:    code,
			Message: appErr.Message,
			Cause:   appErr.Cause,
		}
	}
	return &AppError{
		Code:    code,
		Message: err.Error(),
		Cause:   err,
	}
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetCode returns the code of the outermost AppError in the chain, otherwise "UNKNOWN"
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

// HasCode reports whether any AppError in the chain carries code
func HasCode(err error, code string) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// Predefined error codes
const (
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeDataUnavailable      = "DATA_UNAVAILABLE"
	CodeNumericalInstability = "NUMERICAL_INSTABILITY"
	CodeEngineInvocation     = "ENGINE_INVOCATION"
	CodeRunTimeout           = "RUN_TIMEOUT"
	CodeIOFatal              = "IO_FATAL"
	CodeNotFound             = "NOT_FOUND"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeInvalidInput         = "INVALID_INPUT"
)

// CLI exit codes
const (
	ExitOK           = 0
	ExitConfig       = 1
	ExitRunsFailed   = 2
	ExitFatalIO      = 3
	exitUnclassified = 3
)

// ErrRunsFailed is returned by sweeps that completed with one or more failed runs
var ErrRunsFailed = New("RUNS_FAILED", "one or more runs failed")

// ExitCode maps an error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case HasCode(err, CodeConfigInvalid), HasCode(err, CodeInvalidInput):
		return ExitConfig
	case stderrors.Is(err, ErrRunsFailed):
		return ExitRunsFailed
	case HasCode(err, CodeIOFatal):
		return ExitFatalIO
	default:
		return exitUnclassified
	}
}

// Common error constructors
func ConfigInvalid(message string) *AppError {
	return New(CodeConfigInvalid, message)
}

// ConfigInvalidf creates a configuration error with a formatted message
func ConfigInvalidf(format string, args ...interface{}) *AppError {
	return New(CodeConfigInvalid, fmt.Sprintf(format, args...))
}

func DataUnavailable(source string, cause error) *AppError {
	return &AppError{
		Code:    CodeDataUnavailable,
		Message: fmt.Sprintf("data source %s unavailable", source),
		Cause:   cause,
	}
}

func EngineInvocation(engine string, cause error) *AppError {
	return &AppError{
		Code:    CodeEngineInvocation,
		Message: fmt.Sprintf("%s engine invocation failed", engine),
		Cause:   cause,
	}
}

func NumericalInstability(message string) *AppError {
	return New(CodeNumericalInstability, message)
}

func RunTimeout(runID string, cause error) *AppError {
	return &AppError{
		Code:    CodeRunTimeout,
		Message: fmt.Sprintf("run %s exceeded its wall-clock budget", runID),
		Cause:   cause,
	}
}

func IOFatal(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeIOFatal,
		Message: message,
		Cause:   cause,
	}
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message)
}

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message)
}
