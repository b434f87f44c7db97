package domain

import (
	"fmt"
	"net/http"
)

// ValidationError reports malformed input or a disallowed transition.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const CodeInvalidTransition = "INVALID_TRANSITION"

func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: "VALIDATION_FAILED", Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

type GateCode string

const (
	GateCallerNotAuthorized    GateCode = "CALLER_NOT_AUTHORIZED"
	GateApprovalMissing        GateCode = "APPROVAL_MISSING"
	GateApprovalRejected       GateCode = "APPROVAL_REJECTED"
	GateApprovalPending        GateCode = "APPROVAL_PENDING"
	GateChangeTargetMismatch   GateCode = "CHANGE_TARGET_MISMATCH"
	GateRulesetNotFound        GateCode = "RULESET_NOT_FOUND"
	GateApprovalGateRequired   GateCode = "APPROVAL_GATE_REQUIRED"
	GateChangeAlreadyActivated GateCode = "CHANGE_ALREADY_ACTIVATED"
)

// Status is the HTTP status a gate code is reported with.
func (c GateCode) Status() int {
	switch c {
	case GateCallerNotAuthorized:
		return http.StatusForbidden
	case GateRulesetNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// GateError is a blocked privileged action. Every GateError returned by the
// engine has a matching audit event.
type GateError struct {
	Code           GateCode
	Message        string
	Status         int
	RetryableAfter string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewGateError(code GateCode, retryableAfter, format string, args ...any) *GateError {
	return &GateError{
		Code:           code,
		Message:        fmt.Sprintf(format, args...),
		Status:         code.Status(),
		RetryableAfter: retryableAfter,
	}
}

// ConsistencyError means the relational mirror rejected a write. The
// in-memory ledger is left unchanged when this is returned.
type ConsistencyError struct {
	Op  string
	Err error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("mirror %s: %v", e.Op, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }
