// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the machine-readable name of a violated constraint.
type Code string

const (
	CodeInvalidField             Code = "INVALID_FIELD"
	CodeInvalidHierarchy         Code = "INVALID_HIERARCHY"
	CodeParentNotFound           Code = "PARENT_NOT_FOUND"
	CodeInvalidPathHierarchy     Code = "INVALID_PATH_HIERARCHY"
	CodeInvalidTypeChange        Code = "INVALID_TYPE_CHANGE"
	CodeInvalidTransition        Code = "INVALID_TRANSITION"
	CodeParentStatusConflict     Code = "PARENT_STATUS_CONFLICT"
	CodeSubtaskStatusConflict    Code = "SUBTASK_STATUS_CONFLICT"
	CodeDependencyStatusConflict Code = "DEPENDENCY_STATUS_CONFLICT"
	CodeMissingDependencies      Code = "MISSING_DEPENDENCIES"
	CodeCycleDetected            Code = "CYCLE_DETECTED"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeAlreadyExists            Code = "ALREADY_EXISTS"
	CodeAlreadyDeleted           Code = "ALREADY_DELETED"
	CodeInvalidOperation         Code = "INVALID_OPERATION"
	CodeInvalidTransactionState  Code = "INVALID_TRANSACTION_STATE"
	CodeStaleVersion             Code = "STALE_VERSION"
	CodeTransactionError         Code = "TRANSACTION_ERROR"
	CodeTimeout                  Code = "TIMEOUT"
)

// Category groups codes by how a caller is expected to react.
type Category string

const (
	// CategoryValidation is a rule violation the caller fixes by correcting input.
	CategoryValidation Category = "VALIDATION"

	// CategoryCritical is never retried automatically.
	CategoryCritical Category = "CRITICAL"

	// CategoryCaller is a caller logic error such as a missing or duplicate path.
	CategoryCaller Category = "CALLER"

	// CategoryConflict is retryable after re-reading durable state.
	CategoryConflict Category = "CONFLICT"

	// CategoryInfrastructure is a store or commit machinery failure.
	CategoryInfrastructure Category = "INFRASTRUCTURE"

	// CategoryTimeout means a scope exceeded its budget.
	CategoryTimeout Category = "TIMEOUT"
)

// Sentinel errors, one per code. Every *Error unwraps to the sentinel of
// its code so callers can use errors.Is without inspecting the struct.
var (
	// ErrInvalidField is returned when an item field is out of bounds.
	ErrInvalidField = errors.New("invalid field")

	// ErrInvalidHierarchy is returned when a parent type does not admit a child type.
	ErrInvalidHierarchy = errors.New("invalid hierarchy")

	// ErrParentNotFound is returned when the named parent does not exist.
	ErrParentNotFound = errors.New("parent not found")

	// ErrInvalidPathHierarchy is returned when a child path is not parent path plus one segment.
	ErrInvalidPathHierarchy = errors.New("invalid path hierarchy")

	// ErrInvalidTypeChange is returned when a new type would orphan existing children.
	ErrInvalidTypeChange = errors.New("invalid type change")

	// ErrInvalidTransition is returned for a status edge outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrParentStatusConflict is returned when the parent's status forbids the child's move.
	ErrParentStatusConflict = errors.New("parent status conflict")

	// ErrSubtaskStatusConflict is returned when completing an item with open children.
	ErrSubtaskStatusConflict = errors.New("subtask status conflict")

	// ErrDependencyStatusConflict is returned when completing an item with open
	// dependencies, or reopening an item that COMPLETED items depend on.
	ErrDependencyStatusConflict = errors.New("dependency status conflict")

	// ErrMissingDependencies is returned when dependency paths do not resolve.
	ErrMissingDependencies = errors.New("missing dependencies")

	// ErrCycleDetected is returned when the dependency graph would contain a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrNotFound is returned when a path is neither durable nor staged.
	ErrNotFound = errors.New("item not found")

	// ErrAlreadyExists is returned when creating a path that exists.
	ErrAlreadyExists = errors.New("item already exists")

	// ErrAlreadyDeleted is returned when a path is already staged for deletion.
	ErrAlreadyDeleted = errors.New("item already deleted")

	// ErrInvalidOperation is returned for intents that conflict with other staged or durable state.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidTransactionState is returned for operations on a terminal scope.
	ErrInvalidTransactionState = errors.New("invalid transaction state")

	// ErrStaleVersion is returned when durable state moved since the intent was staged.
	ErrStaleVersion = errors.New("stale version")

	// ErrTransactionError is returned when the store fails during commit.
	ErrTransactionError = errors.New("transaction error")

	// ErrTimeout is returned when a scope exceeded its allotted duration.
	ErrTimeout = errors.New("timeout")
)

var sentinels = map[Code]error{
	CodeInvalidField:             ErrInvalidField,
	CodeInvalidHierarchy:         ErrInvalidHierarchy,
	CodeParentNotFound:           ErrParentNotFound,
	CodeInvalidPathHierarchy:     ErrInvalidPathHierarchy,
	CodeInvalidTypeChange:        ErrInvalidTypeChange,
	CodeInvalidTransition:        ErrInvalidTransition,
	CodeParentStatusConflict:     ErrParentStatusConflict,
	CodeSubtaskStatusConflict:    ErrSubtaskStatusConflict,
	CodeDependencyStatusConflict: ErrDependencyStatusConflict,
	CodeMissingDependencies:      ErrMissingDependencies,
	CodeCycleDetected:            ErrCycleDetected,
	CodeNotFound:                 ErrNotFound,
	CodeAlreadyExists:            ErrAlreadyExists,
	CodeAlreadyDeleted:           ErrAlreadyDeleted,
	CodeInvalidOperation:         ErrInvalidOperation,
	CodeInvalidTransactionState:  ErrInvalidTransactionState,
	CodeStaleVersion:             ErrStaleVersion,
	CodeTransactionError:         ErrTransactionError,
	CodeTimeout:                  ErrTimeout,
}

// Category returns the category of the code.
func (c Code) Category() Category {
	switch c {
	case CodeCycleDetected, CodeMissingDependencies:
		return CategoryCritical
	case CodeNotFound, CodeAlreadyExists, CodeAlreadyDeleted, CodeInvalidOperation, CodeInvalidTransactionState:
		return CategoryCaller
	case CodeStaleVersion:
		return CategoryConflict
	case CodeTransactionError:
		return CategoryInfrastructure
	case CodeTimeout:
		return CategoryTimeout
	default:
		return CategoryValidation
	}
}

// Error is the typed error returned by every public operation.
//
// # Description
//
// Carries the violated constraint's Code, a human-readable message, and
// the paths that caused the violation. For CYCLE_DETECTED, Paths holds
// the item path followed by the offending dependency list or cycle.
// Err optionally holds an underlying cause (a store error, a timeout).
type Error struct {
	Code    Code
	Message string
	Paths   []string
	Err     error
}

// NewError creates an Error with the given code and paths.
func NewError(code Code, message string, paths ...string) *Error {
	return &Error{Code: code, Message: message, Paths: paths}
}

// Errorf creates an Error with a formatted message and no paths.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// Error returns "[CODE] message (paths): cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if len(e.Paths) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Paths, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the code sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Category returns the category of the error's code.
func (e *Error) Category() Category {
	return e.Code.Category()
}

// CodeOf returns the code of the outermost *Error in err's chain, or ""
// if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// PathsOf returns the paths of the outermost *Error in err's chain.
func PathsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Paths
	}
	return nil
}

// IsCritical reports whether err is a cycle or dependency-validation
// failure. Critical errors are never retried and halt batch processing.
func IsCritical(err error) bool {
	return errors.Is(err, ErrCycleDetected) || errors.Is(err, ErrMissingDependencies)
}

// IsRetryable reports whether repeating the operation could succeed.
// Rule violations and caller errors are deterministic and are not.
func IsRetryable(err error) bool {
	if err == nil || IsCritical(err) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Category() {
	case CategoryValidation, CategoryCaller, CategoryCritical:
		return false
	default:
		return true
	}
}
