package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/steward/internal/capture"
	"github.com/roach88/steward/internal/model"
	"github.com/roach88/steward/internal/store"
)

// Error is the structured error returned by every governed operation.
//
// Codes:
//   - VALIDATION: malformed input, rejected before any state change
//   - CONFLICT: the entity moved on before this transition committed
//   - NOT_FOUND: unknown identifier
//   - EXPIRED: decision attempted past expiry (the request is expired as a side effect)
//   - STORAGE: entity or audit write failure; the whole unit was rolled back
//   - INTEGRATION: agent dispatch or notification failure; audited, never rolls back
type Error struct {
	Code     ErrorCode
	Message  string
	Resource model.ResourceType
	ID       string
	Err      error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	CodeValidation  ErrorCode = "VALIDATION"
	CodeConflict    ErrorCode = "CONFLICT"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodeExpired     ErrorCode = "EXPIRED"
	CodeStorage     ErrorCode = "STORAGE"
	CodeIntegration ErrorCode = "INTEGRATION"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ID != "" {
		msg = fmt.Sprintf("%s (%s=%s)", msg, e.Resource, e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Code predicates, matched through wrapping with errors.As.
func IsValidation(err error) bool  { return CodeOf(err) == CodeValidation }
func IsConflict(err error) bool    { return CodeOf(err) == CodeConflict }
func IsNotFound(err error) bool    { return CodeOf(err) == CodeNotFound }
func IsExpired(err error) bool     { return CodeOf(err) == CodeExpired }
func IsStorage(err error) bool     { return CodeOf(err) == CodeStorage }
func IsIntegration(err error) bool { return CodeOf(err) == CodeIntegration }

// ValidationError reports malformed input.
func ValidationError(rt model.ResourceType, id, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), Resource: rt, ID: id}
}

// ConflictError reports a lost race or an illegal source state.
func ConflictError(rt model.ResourceType, id, format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...), Resource: rt, ID: id}
}

// NotFoundError reports an unknown identifier.
func NotFoundError(rt model.ResourceType, id string) *Error {
	return &Error{Code: CodeNotFound, Message: "not found", Resource: rt, ID: id}
}

// ExpiredError reports a decision attempted past the request's deadline.
func ExpiredError(id string, expiredAt string) *Error {
	return &Error{
		Code:     CodeExpired,
		Message:  "approval request expired at " + expiredAt,
		Resource: model.ResourceApproval,
		ID:       id,
	}
}

// IntegrationError reports a failed call to an external collaborator.
func IntegrationError(rt model.ResourceType, id string, err error) *Error {
	return &Error{Code: CodeIntegration, Message: "external call failed", Resource: rt, ID: id, Err: err}
}

// FromStore maps an error from the store or the audit recorder onto the
// taxonomy. Errors that already carry a code pass through unchanged.
func FromStore(rt model.ResourceType, id string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: "not found", Resource: rt, ID: id, Err: err}
	case errors.Is(err, store.ErrVersionConflict):
		return &Error{Code: CodeConflict, Message: "concurrent update", Resource: rt, ID: id, Err: err}
	case errors.Is(err, store.ErrDuplicate):
		return &Error{Code: CodeConflict, Message: "already exists", Resource: rt, ID: id, Err: err}
	case errors.Is(err, capture.ErrInvalidActor):
		return &Error{Code: CodeValidation, Message: "actor is required", Resource: rt, ID: id, Err: err}
	default:
		return &Error{Code: CodeStorage, Message: "write failed", Resource: rt, ID: id, Err: err}
	}
}
