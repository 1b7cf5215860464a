package protocol

import (
	"errors"
	"fmt"
)

// Code classifies a command failure. The set is closed; handlers map internal
// errors onto one of these before they reach the wire.
type Code string

const (
	// CodeMalformedEnvelope indicates a line that was not a valid envelope.
	CodeMalformedEnvelope Code = "MalformedEnvelope"
	// CodeUnknownCommand indicates a request whose name has no handler.
	CodeUnknownCommand Code = "UnknownCommand"
	// CodeSessionBusy indicates an overlapping launch or disconnect.
	CodeSessionBusy Code = "SessionBusy"
	// CodeInvalidState indicates a command issued in a session state that
	// does not permit it.
	CodeInvalidState Code = "InvalidState"
	// CodeConnectionFailed indicates the device connection could not be
	// established.
	CodeConnectionFailed Code = "ConnectionFailed"
	// CodeBuildOutputMissing indicates the build output to deploy does not
	// exist.
	CodeBuildOutputMissing Code = "BuildOutputMissing"
	// CodeTransferFailed indicates the deployment transfer was interrupted.
	CodeTransferFailed Code = "TransferFailed"
	// CodeVerificationFailed indicates the post-transfer integrity check
	// failed.
	CodeVerificationFailed Code = "VerificationFailed"
	// CodeDeviceUnresponsive indicates a device operation exceeded its
	// deadline.
	CodeDeviceUnresponsive Code = "DeviceUnresponsive"
	// CodeCleanupTimeout indicates background disconnect work exceeded its
	// internal bound. Logged, never sent as a response.
	CodeCleanupTimeout Code = "CleanupTimeout"
	// CodeInternalError indicates an unexpected adapter failure.
	CodeInternalError Code = "InternalError"
)

// CommandError is a failure that becomes the error field of a
// CommandResponse.
type CommandError struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf creates a CommandError with a formatted message.
func Errorf(code Code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError returns err as a CommandError, using fallback for errors that
// carry no code of their own.
func WrapError(err error, fallback Code) *CommandError {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	return &CommandError{Code: fallback, Message: err.Error()}
}

// CodeOf returns the code carried by err, or CodeInternalError.
func CodeOf(err error) Code {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	return CodeInternalError
}
