package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes errors returned by the store, query and mutation APIs.
type ErrorCode string

const (
	// CodeValidation: missing or malformed input. Local, never retried.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNotFound: unknown id.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeConditionFailed: an optimistic-concurrency condition evaluated false.
	CodeConditionFailed ErrorCode = "CONDITION_FAILED"

	// CodeStaleCursor: the cursor's anchor entity has been deleted.
	CodeStaleCursor ErrorCode = "STALE_CURSOR"

	// CodeSyncUnavailable: the remote cannot currently accept submissions.
	CodeSyncUnavailable ErrorCode = "SYNC_UNAVAILABLE"
)

// Sentinels for errors.Is. An *Error matches the sentinel with the same code.
var (
	ErrValidation      = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConditionFailed = &Error{Code: CodeConditionFailed, Message: "condition failed"}
	ErrStaleCursor     = &Error{Code: CodeStaleCursor, Message: "stale cursor"}
	ErrSyncUnavailable = &Error{Code: CodeSyncUnavailable, Message: "sync unavailable"}
)

// Error is the typed error every public operation resolves with.
type Error struct {
	Code ErrorCode

	// Type and ID identify the affected entity, when there is one.
	Type string
	ID   string

	// Field names the offending field for validation errors.
	Field string

	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.Type != "" && e.ID != "":
		msg += fmt.Sprintf(" (%s/%s)", e.Type, e.ID)
	case e.Type != "":
		msg += fmt.Sprintf(" (%s)", e.Type)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" field=%s", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// works for every not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ValidationError creates a validation error for a field.
func ValidationError(entityType, field, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Type: entityType, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(entityType, id string) *Error {
	return &Error{Code: CodeNotFound, Type: entityType, ID: id, Message: "entity does not exist"}
}

// ConditionFailed creates a condition-failed error.
func ConditionFailed(entityType, id string) *Error {
	return &Error{Code: CodeConditionFailed, Type: entityType, ID: id, Message: "condition evaluated false"}
}

// StaleCursor creates a stale-cursor error.
func StaleCursor(entityType, anchor string) *Error {
	return &Error{Code: CodeStaleCursor, Type: entityType, ID: anchor, Message: "cursor anchor was deleted; restart without a cursor"}
}

// SyncUnavailable wraps a transport failure.
func SyncUnavailable(err error) *Error {
	return &Error{Code: CodeSyncUnavailable, Message: "remote cannot accept submissions", Err: err}
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConditionFailed returns true if err is a condition-failed error.
func IsConditionFailed(err error) bool { return errors.Is(err, ErrConditionFailed) }

// IsStaleCursor returns true if err is a stale-cursor error.
func IsStaleCursor(err error) bool { return errors.Is(err, ErrStaleCursor) }

// IsSyncUnavailable returns true if err is a sync-unavailable error.
func IsSyncUnavailable(err error) bool { return errors.Is(err, ErrSyncUnavailable) }
