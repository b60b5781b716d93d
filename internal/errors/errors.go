// Package errors provides the coded error taxonomy shared by nbgate components.
//
// Codes follow the format {domain}.{error}. They are stable, so front-ends can branch on
// them, and every code travels with a human-readable message.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Auth domain - gateway login
	CodeAuthFailed        = "auth.failed"         // Gateway login failed (credentials or network)
	CodeAuthNoCredentials = "auth.no_credentials" // Reconnect attempted without credentials

	// Run domain - orchestration steps
	CodeShellOpenFailed         = "run.shell_open_failed"
	CodeWorkerUnreachable       = "run.worker_unreachable"
	CodeEnvActivationFailed     = "run.env_activation_failed"
	CodeDirectoryChangeFailed   = "run.directory_change_failed"
	CodeURLParseFailed          = "run.url_parse_failed"
	CodeTunnelFailed            = "run.tunnel_failed"
	CodeRunSuperseded           = "run.superseded" // Shell was torn down by a newer run or disconnect
	CodePortsNoPortAvailable    = "ports.no_port_available"
	CodeFleetNoWorkers          = "fleet.no_workers"
	CodeSessionNotConnected     = "session.not_connected"
	CodeSessionNoShell          = "session.no_shell"
	CodeSessionRunInProgress    = "session.run_in_progress"
	CodeSessionInvalidArguments = "session.invalid_arguments"

	CodeUnknown = "error.unknown"
)

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "run.url_parse_failed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Wrap creates a CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, Cause: cause}
}

// GetCode extracts the code from an error chain, CodeUnknown for uncoded errors
// and "" for nil.
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// GetMessage returns the human-readable part of err.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// AuthFailed creates an "auth.failed" error.
func AuthFailed(user, host string, cause error) *CodedError {
	return Wrap(CodeAuthFailed, fmt.Sprintf("login to %s@%s failed", user, host), cause)
}

// NoCredentials creates an "auth.no_credentials" error.
func NoCredentials() *CodedError {
	return New(CodeAuthNoCredentials, "no saved login settings found, cannot reconnect")
}

// NotConnected creates a "session.not_connected" error.
func NotConnected() *CodedError {
	return New(CodeSessionNotConnected, "not logged in to a gateway")
}

// StepFailed creates a run-domain error whose message carries the raw output
// observed by the failing step, trimmed to its tail.
func StepFailed(code, message, output string) *CodedError {
	output = strings.TrimSpace(output)
	if output == "" {
		return New(code, message)
	}
	const maxTail = 2048
	if len(output) > maxTail {
		output = "..." + output[len(output)-maxTail:]
	}
	return New(code, fmt.Sprintf("%s. Output: %s", message, output))
}

// NoPortAvailable creates a "ports.no_port_available" error. browserHeld lists probed
// ports that appear to be held by browser tabs.
func NoPortAvailable(start, attempts int, browserHeld []int) *CodedError {
	msg := fmt.Sprintf("no free local port in %d..%d", start, start+attempts-1)
	if len(browserHeld) > 0 {
		held := make([]string, 0, len(browserHeld))
		for _, p := range browserHeld {
			held = append(held, fmt.Sprint(p))
		}
		msg = fmt.Sprintf("%s (ports held by browser tabs: %s; close those tabs and retry)", msg, strings.Join(held, ", "))
	}
	return New(CodePortsNoPortAvailable, msg)
}

// NoWorkers creates a "fleet.no_workers" error.
func NoWorkers() *CodedError {
	return New(CodeFleetNoWorkers, "no servers found")
}
