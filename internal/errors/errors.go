// Package errors provides structured error types for launcher operations.
package errors

import (
	"errors"
	"fmt"
	"os/exec"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// KindIO represents I/O errors.
	KindIO ErrorKind = iota
	// KindPath represents path-related errors.
	KindPath
	// KindCommand represents external command execution errors.
	KindCommand
	// KindConfig represents configuration validation errors.
	KindConfig
	// KindTestsuite represents testsuite loading errors.
	KindTestsuite
	// KindProtocol represents status protocol errors.
	KindProtocol
	// KindParse represents structure, caps or descriptor parsing errors.
	KindParse
	// KindBugTracker represents bug tracker query failures.
	KindBugTracker
	// KindScheduler represents invalid scheduling requests.
	KindScheduler
	// KindNoTestsFound represents an empty test selection.
	KindNoTestsFound
	// KindTestlistChanged represents an unexpected change of a .testslist file.
	KindTestlistChanged
	// KindCancelled represents user-cancelled operations.
	KindCancelled
)

// String returns a string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "I/O error"
	case KindPath:
		return "Path error"
	case KindCommand:
		return "Command error"
	case KindConfig:
		return "Configuration error"
	case KindTestsuite:
		return "Testsuite error"
	case KindProtocol:
		return "Protocol error"
	case KindParse:
		return "Parse error"
	case KindBugTracker:
		return "Bug tracker error"
	case KindScheduler:
		return "Scheduler error"
	case KindNoTestsFound:
		return "No tests found"
	case KindTestlistChanged:
		return "Testslist changed"
	case KindCancelled:
		return "Operation cancelled"
	default:
		return "Unknown error"
	}
}

// CommandErrorKind represents the type of command error.
type CommandErrorKind int

const (
	// CommandStart means the command failed to start.
	CommandStart CommandErrorKind = iota
	// CommandWait means waiting for the command failed.
	CommandWait
	// CommandFailed means the command returned non-zero exit status.
	CommandFailed
)

// CommandError represents an error from executing an external command.
type CommandError struct {
	Command    string
	Kind       CommandErrorKind
	ExitCode   int
	Stderr     string
	Underlying error
}

func (e *CommandError) Error() string {
	switch e.Kind {
	case CommandStart:
		return fmt.Sprintf("failed to execute %s: %v", e.Command, e.Underlying)
	case CommandWait:
		return fmt.Sprintf("failed to wait for %s: %v", e.Command, e.Underlying)
	case CommandFailed:
		if e.Stderr != "" {
			return fmt.Sprintf("command %s failed with exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("command %s failed with exit code %d", e.Command, e.ExitCode)
	default:
		return fmt.Sprintf("command %s error: %v", e.Command, e.Underlying)
	}
}

func (e *CommandError) Unwrap() error {
	return e.Underlying
}

// CoreError is the main error type for launcher operations.
type CoreError struct {
	Kind       ErrorKind
	Message    string
	Underlying error
}

func (e *CoreError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Underlying
}

// Is reports whether target matches this error's kind.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewIOError creates a new I/O error.
func NewIOError(message string, underlying error) *CoreError {
	return &CoreError{Kind: KindIO, Message: message, Underlying: underlying}
}

// NewPathError creates a new path-related error.
func NewPathError(message string) *CoreError {
	return &CoreError{Kind: KindPath, Message: message}
}

// NewCommandError creates a new command execution error.
func NewCommandError(cmd string, kind CommandErrorKind, underlying error) *CoreError {
	cmdErr := &CommandError{
		Command:    cmd,
		Kind:       kind,
		Underlying: underlying,
	}
	return &CoreError{Kind: KindCommand, Message: cmdErr.Error(), Underlying: cmdErr}
}

// NewCommandStartError creates an error for when a command fails to start.
func NewCommandStartError(cmd string, err error) *CoreError {
	return NewCommandError(cmd, CommandStart, err)
}

// NewCommandWaitError creates an error for when waiting for a command fails.
func NewCommandWaitError(cmd string, err error) *CoreError {
	return NewCommandError(cmd, CommandWait, err)
}

// NewCommandFailedError creates an error for when a command returns non-zero exit status.
func NewCommandFailedError(cmd string, exitCode int, stderr string) *CoreError {
	cmdErr := &CommandError{
		Command:  cmd,
		Kind:     CommandFailed,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
	return &CoreError{Kind: KindCommand, Message: cmdErr.Error(), Underlying: cmdErr}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *CoreError {
	return &CoreError{Kind: KindConfig, Message: message}
}

// NewTestsuiteError creates an error for a testsuite that could not be loaded.
func NewTestsuiteError(message string, underlying error) *CoreError {
	return &CoreError{Kind: KindTestsuite, Message: message, Underlying: underlying}
}

// NewProtocolError creates a new status protocol error.
func NewProtocolError(message string, underlying error) *CoreError {
	return &CoreError{Kind: KindProtocol, Message: message, Underlying: underlying}
}

// NewParseError creates a new parsing error.
func NewParseError(message string, underlying error) *CoreError {
	return &CoreError{Kind: KindParse, Message: message, Underlying: underlying}
}

// NewBugTrackerError creates an error for a failed bug tracker query.
func NewBugTrackerError(message string, underlying error) *CoreError {
	return &CoreError{Kind: KindBugTracker, Message: message, Underlying: underlying}
}

// NewSchedulerError creates an error for an invalid scheduling request.
func NewSchedulerError(message string) *CoreError {
	return &CoreError{Kind: KindScheduler, Message: message}
}

// NewNoTestsFoundError creates an error for when the selection is empty.
func NewNoTestsFoundError(message string) *CoreError {
	return &CoreError{Kind: KindNoTestsFound, Message: message}
}

// NewTestlistChangedError creates an error for a testsuite whose tests list changed.
func NewTestlistChangedError(testsuite string) *CoreError {
	return &CoreError{Kind: KindTestlistChanged, Message: fmt.Sprintf("unexpected change of the tests list of %s", testsuite)}
}

// NewCancelledError creates an error for user-cancelled operations.
func NewCancelledError() *CoreError {
	return &CoreError{Kind: KindCancelled, Message: "operation was cancelled by the user"}
}

// IsKind checks if the error has the specified kind.
func IsKind(err error, kind ErrorKind) bool {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind == kind
	}
	return false
}

// IsCancelled checks if the error is a cancellation error.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// IsNoTestsFound checks if the error is a no-tests-found error.
func IsNoTestsFound(err error) bool {
	return IsKind(err, KindNoTestsFound)
}

// WrapExecError wraps an exec.ExitError into a CoreError.
func WrapExecError(cmd string, err error, stderr string) *CoreError {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return NewCommandFailedError(cmd, exitErr.ExitCode(), stderr)
	}
	return NewCommandStartError(cmd, err)
}
