// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job, worker, queue, or schedule
	// with the given identifier does not exist in the backend.
	ErrNotFound = errors.New("pipequeue: not found")

	// ErrScheduleExists is returned when creating a schedule whose
	// identifier is already taken and overwriting was not requested.
	ErrScheduleExists = errors.New("pipequeue: schedule already exists")
)

// ConfigError indicates invalid configuration, e.g. an unknown backend
// type or an ambiguous trigger specification. It is surfaced
// synchronously and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipequeue: %s", e.Reason)
}

func newConfigError(format string, v ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, v...)}
}

// BackendUnavailableError indicates that the backend for the requested
// type could not be constructed, e.g. because its store package was not
// imported or the connection could not be established. Open returns it
// instead of panicking so that callers can degrade gracefully, e.g. by
// disabling their scheduling UI.
type BackendUnavailableError struct {
	Backend BackendType
	Hint    string // remediation guidance for the caller
	Cause   error
}

func (e *BackendUnavailableError) Error() string {
	msg := fmt.Sprintf("pipequeue: backend %q unavailable", e.Backend)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// RetryExhaustedError is returned once a job has failed and its retry
// policy permits no further attempts. Cause is the last underlying
// failure.
type RetryExhaustedError struct {
	Pipeline string
	Attempts int
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("pipequeue: pipeline %q failed after %d attempt(s): %v", e.Pipeline, e.Attempts, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Cause }
