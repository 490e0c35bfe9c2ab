// Package config provides configuration types and defaults for the launcher.
package config

import "errors"

// Sentinel errors for configuration validation.
var (
	// ErrInvalidJobs indicates a non-positive number of parallel jobs.
	ErrInvalidJobs = errors.New("invalid number of jobs")

	// ErrInvalidTimeoutFactor indicates a non-positive timeout factor.
	ErrInvalidTimeoutFactor = errors.New("invalid timeout factor")

	// ErrInvalidLongLimit indicates a negative long test limit.
	ErrInvalidLongLimit = errors.New("invalid long test limit")

	// ErrInvalidParts indicates an invalid tests split request.
	ErrInvalidParts = errors.New("invalid tests split")

	// ErrInvalidRedirect indicates an unknown redirect_logs target.
	ErrInvalidRedirect = errors.New("invalid logs redirection")

	// ErrConflictingModes indicates incompatible run modes.
	ErrConflictingModes = errors.New("conflicting run modes")

	// ErrConflictingDebuggers indicates more than one process wrapper.
	ErrConflictingDebuggers = errors.New("conflicting debuggers")

	// ErrInvalidPort indicates an out of range port number.
	ErrInvalidPort = errors.New("invalid port")
)
