// Package apperr provides the Core's standardized error shape: a
// stable machine-readable code, an HTTP status, structured meta, and
// an optional cause.
package apperr

import (
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	InternalError           Code = "INTERNAL_ERROR"
	NotFound                Code = "NOT_FOUND"
	Unauthorized            Code = "UNAUTHORIZED"
	AccessDenied            Code = "ACCESS_DENIED"
	InvalidCursor           Code = "INVALID_CURSOR"
	InvalidBootstrapToken   Code = "INVALID_BOOTSTRAP_TOKEN"
	BootstrapAlreadyDone    Code = "BOOTSTRAP_ALREADY_COMPLETED"
	AuthInvalidCredentials  Code = "AUTH_INVALID_CREDENTIALS"
	UserAlreadyExists       Code = "USER_ALREADY_EXISTS"
	RoleOrgMismatch         Code = "ROLE_ORG_MISMATCH"
	RoleNameConflict        Code = "ROLE_NAME_CONFLICT"
	RoleBuiltinReadonly     Code = "ROLE_BUILTIN_READONLY"
	InvitationNotFound      Code = "INVITATION_NOT_FOUND"
	InvitationAlreadyUsed   Code = "INVITATION_ALREADY_ACCEPTED"
	InvitationExpired       Code = "INVITATION_EXPIRED"
	InvalidCallDepth        Code = "INVALID_CALL_DEPTH"
	TaskCreationFailed      Code = "TASK_CREATION_FAILED"
	ResultSubmissionFailed  Code = "RESULT_SUBMISSION_FAILED"
	TaskNotFound            Code = "TASK_NOT_FOUND"
	AuditBackpressure       Code = "AUDIT_BACKPRESSURE"
	TransactionAborted      Code = "TRANSACTION_ABORTED"
)

var statusByCode = map[Code]int{
	InternalError:          http.StatusInternalServerError,
	NotFound:               http.StatusNotFound,
	Unauthorized:           http.StatusUnauthorized,
	AccessDenied:           http.StatusForbidden,
	InvalidCursor:          http.StatusBadRequest,
	InvalidBootstrapToken:  http.StatusBadRequest,
	BootstrapAlreadyDone:   http.StatusConflict,
	AuthInvalidCredentials: http.StatusUnauthorized,
	UserAlreadyExists:      http.StatusConflict,
	RoleOrgMismatch:        http.StatusBadRequest,
	RoleNameConflict:       http.StatusConflict,
	RoleBuiltinReadonly:    http.StatusBadRequest,
	InvitationNotFound:     http.StatusNotFound,
	InvitationAlreadyUsed:  http.StatusConflict,
	InvitationExpired:      http.StatusGone,
	InvalidCallDepth:       http.StatusBadRequest,
	TaskCreationFailed:     http.StatusInternalServerError,
	ResultSubmissionFailed: http.StatusInternalServerError,
	TaskNotFound:           http.StatusNotFound,
	AuditBackpressure:      http.StatusServiceUnavailable,
	TransactionAborted:     http.StatusConflict,
}

// DomainError is the Core's only error type; there is deliberately
// no legacy-code-mapping shim, every call site constructs one with
// its final code directly.
type DomainError struct {
	Code       Code
	Message    string
	StatusCode int
	Meta       map[string]any
	Cause      error
	// RetryAfterSeconds is set for AUDIT_BACKPRESSURE.
	RetryAfterSeconds int
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Cause }

// New builds a DomainError for code, mapping to its HTTP status.
func New(code Code, message string, meta ...map[string]any) *DomainError {
	m := map[string]any{}
	if len(meta) > 0 {
		m = meta[0]
	}
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &DomainError{Code: code, Message: message, StatusCode: status, Meta: m}
}

// Wrap builds a DomainError carrying an underlying cause. Unknown
// lower-level failures should be wrapped as InternalError with
// meta.reason describing the origin
func Wrap(code Code, message string, cause error) *DomainError {
	e := New(code, message)
	e.Cause = cause
	if cause != nil {
		e.Meta["reason"] = cause.Error()
	}
	return e
}

// Backpressure builds the AUDIT_BACKPRESSURE error with Retry-After.
func Backpressure(retryAfterSeconds int) *DomainError {
	e := New(AuditBackpressure, "audit pipeline backlog over limit")
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

// Response is the wire shape for a failed call: {success:false, error:<CODE>}.
type Response struct {
	Success bool `json:"success"`
	Error   Code `json:"error"`
}

// ToResponse renders the user-visible envelope; never includes Cause
// or Meta, ("never stack traces").
func (e *DomainError) ToResponse() Response {
	return Response{Success: false, Error: e.Code}
}
