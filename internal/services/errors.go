// Package services implements the application logic of the ingestion and
// aggregation pipeline. This file centralizes common service-level error
// values so they can be consistently returned by service methods and checked
// by callers; translation into HTTP responses happens at the handler layer.
package services

import "errors"

var (
	// ErrTaskNotFound indicates a retry referenced a task id that no longer
	// exists.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEntityNotFound indicates the task's entity is gone; aggregation
	// cannot proceed.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrPromptNotFound indicates a submission referenced an unknown prompt.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrMalformedEvent is returned when a completion event lacks a task id
	// or a response payload.
	ErrMalformedEvent = errors.New("malformed completion event")

	// ErrBadDateRange is returned when a backfill range is inverted or spans
	// no days.
	ErrBadDateRange = errors.New("invalid date range")
)
