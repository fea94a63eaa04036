package dispatcher

import (
	"errors"
	"fmt"
)

// Global error codes.
const (
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Handler-specific codes shared by more than one capability.
const (
	CodeUnavailable = "UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodeBusy        = "BUSY"
	CodeNotPaired   = "NOT_PAIRED"
)

// CommandError is a structured failure returned by a handler.
type CommandError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}

// NewCommandError creates a new CommandError.
func NewCommandError(code, message string) *CommandError {
	return &CommandError{Code: code, Message: message}
}

// Errorf creates a CommandError with a formatted message.
func Errorf(code, format string, args ...interface{}) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UnknownCommand is returned for commands no handler recognizes.
func UnknownCommand(command string) *CommandError {
	return Errorf(CodeUnknownCommand, "Unknown command: %s", command)
}

// InvalidParams names the offending parameter.
func InvalidParams(format string, args ...interface{}) *CommandError {
	return Errorf(CodeInvalidParams, format, args...)
}

// PermissionDenied reports a capability the permission gate refused.
func PermissionDenied(capability string) *CommandError {
	return Errorf(CodePermissionDenied, "permission for %s is not granted", capability)
}

// Unavailable reports a platform service that is missing on this host.
func Unavailable(service string) *CommandError {
	return Errorf(CodeUnavailable, "%s is not available on this host", service)
}

// AsCommandError converts any error into a CommandError. Errors that are not
// already structured become INTERNAL_ERROR with the original text preserved.
func AsCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &CommandError{Code: CodeInternalError, Message: err.Error()}
}
