// Package errs defines the structured error type shared by every harness
// component. Errors carry a stable machine code, a human message, and an
// optional details map that the CLI boundary serializes verbatim.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error codes. The CLI contract treats these as part of the wire
// format; renaming one is a breaking change.
const (
	CodeEngineUnsupported             = "ENGINE_UNSUPPORTED"
	CodeEngineCommandBuildFailed      = "ENGINE_COMMAND_BUILD_FAILED"
	CodeEngineCapabilityUnavailable   = "ENGINE_CAPABILITY_UNAVAILABLE"
	CodeEngineExecutableNotExecutable = "ENGINE_EXECUTABLE_NOT_EXECUTABLE"
	CodeEngineConfigInjectionFailed   = "ENGINE_CONFIG_INJECTION_FAILED"
	CodePTYRuntimeUnavailable         = "PTY_RUNTIME_UNAVAILABLE"
	CodeInvalidTranslateLevel         = "INVALID_TRANSLATE_LEVEL"
	CodeInvalidCommand                = "INVALID_COMMAND"
	CodeInvalidRunSelector            = "INVALID_RUN_SELECTOR"
	CodeInvalidHandle                 = "INVALID_HANDLE"
	CodeInvalidResumeMessage          = "INVALID_RESUME_MESSAGE"
	CodeHandleNotFound                = "HANDLE_NOT_FOUND"
	CodeHandleIndexInvalid            = "HANDLE_INDEX_INVALID"
	CodeHandleMetadataInvalid         = "HANDLE_METADATA_INVALID"
	CodeRunDirectoryMissing           = "RUN_DIRECTORY_MISSING"
	CodeRunSelectorNotFound           = "RUN_SELECTOR_NOT_FOUND"
	CodeSessionResumeFailed           = "SESSION_RESUME_FAILED"
	CodeProtocolSchemaViolation       = "PROTOCOL_SCHEMA_VIOLATION"
	CodeInteractionBusy               = "ENGINE_INTERACTION_BUSY"
	CodeAuthFlowInvalid               = "AUTH_FLOW_INVALID"
	CodeAuthStateMismatch             = "AUTH_STATE_MISMATCH"
	CodeAuthStateConsumed             = "AUTH_STATE_CONSUMED"
	CodeAuthSessionExpired            = "AUTH_SESSION_EXPIRED"
)

// Error is the harness-wide structured error.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	wrapped error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "harness error"
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds an Error with no details.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a details map, returning the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Wrap builds an Error that unwraps to cause. The cause's text is appended
// to the message so operator-facing output stays self-contained.
func Wrap(code string, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Code: code, Message: msg, wrapped: cause}
}

// CodeOf extracts the harness code from err, or "" when err is not an *Error.
func CodeOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// Is matches on code so callers can compare against sentinel-style values.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}
