package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Pipeline error taxonomy. Components wrap these with context and callers
// classify with errors.Is.
var (
	// ErrInvalidCommand indicates the command template failed validation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrProbeFailed indicates the duration probe could not produce a value.
	ErrProbeFailed = errors.New("probe failed")

	// ErrDownloadFailed indicates the remote input answered with a non-2xx
	// status or the transfer broke mid-stream.
	ErrDownloadFailed = errors.New("download failed")

	// ErrDownloadTimeout indicates the remote input did not connect or stalled.
	ErrDownloadTimeout = errors.New("download timed out")

	// ErrSubprocessFailed indicates the transcoder exited non-zero, was killed,
	// or produced no artifact.
	ErrSubprocessFailed = errors.New("subprocess failed")

	// ErrUploadFailed indicates the artifact could not be written to the object store.
	ErrUploadFailed = errors.New("upload failed")

	// ErrStoreUnavailable indicates the job state store could not be reached.
	ErrStoreUnavailable = errors.New("job store unavailable")
)

// Store-level errors.
var (
	// ErrJobNotFound indicates no job exists for the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinalized indicates an update targeted a job already in a terminal state.
	ErrJobFinalized = errors.New("job already finalized")

	// ErrInvalidTransition indicates a status change that would move a job backwards.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCommandRequired indicates a required command field is empty.
	ErrCommandRequired = errors.New("command is required")

	// ErrInputRequired indicates a job has no input reference.
	ErrInputRequired = errors.New("input is required")
)
