package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed or missing caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictReason qualifies a ConflictError.
type ConflictReason string

// Conflict reasons.
const (
	ReasonOversell           ConflictReason = "oversell"
	ReasonInvalidTransition  ConflictReason = "invalid_transition"
	ReasonDuplicateLotNumber ConflictReason = "duplicate_lot_number"
	// ReasonDuplicateContent means a second original record was written for
	// a content hash that already has one.
	ReasonDuplicateContent ConflictReason = "duplicate_content"
)

// ConflictError reports a request that is well formed but incompatible with
// current state. The caller must resolve the conflict and resubmit.
type ConflictError struct {
	Reason  ConflictReason
	Entity  EntityType
	ID      string
	Message string
}

func (e ConflictError) Error() string {
	var b strings.Builder
	b.WriteString("conflict (")
	b.WriteString(string(e.Reason))
	b.WriteString(")")
	if e.Entity != "" {
		fmt.Fprintf(&b, " on %s %s", e.Entity, e.ID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// ExternalServiceError wraps a failure of the Detector or Ledger-Anchor
// collaborators. Nothing is persisted when one is returned, so the whole
// request is safe to retry.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e ExternalServiceError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e ExternalServiceError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// InternalInvariantError is fatal: the ledger would have been left
// inconsistent. It is logged and never presented as retryable.
type InternalInvariantError struct {
	Violations []Violation
	Message    string
}

func (e InternalInvariantError) Error() string {
	if e.Message != "" {
		return "internal invariant violated: " + e.Message
	}
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		rules = append(rules, v.Rule)
	}
	return "internal invariant violated: " + strings.Join(rules, ", ")
}

// PermissionError is returned when the acting role may not perform an operation.
type PermissionError struct {
	Role      Role
	Operation Operation
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Operation)
}

// IsConflict reports whether err is a ConflictError with the given reason.
// An empty reason matches any conflict.
func IsConflict(err error, reason ConflictReason) bool {
	var ce ConflictError
	if !errors.As(err, &ce) {
		return false
	}
	return reason == "" || ce.Reason == reason
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
