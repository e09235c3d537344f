// Package errkind implements the closed error-kind surface from the design's
// error handling section: every engine operation returns a value or one of
// these kinds, never a bare exception. Modeled on the teacher's named error
// structs (EntityNotFoundError, EntityConflictError, ValidationError) in
// common/errors.go, generalized into a single tagged type plus context.
package errkind

import (
	"errors"
	"fmt"
)

// Kind enumerates the complete error surface.
type Kind string

const (
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	InvalidInput       Kind = "invalid_input"
	PolicyDenied       Kind = "policy_denied"
	QuotaExceeded      Kind = "quota_exceeded"
	RetentionBlocked   Kind = "retention_blocked"
	LegalHoldBlocked   Kind = "legal_hold_blocked"
	ConflictingParent  Kind = "conflicting_parent"
	SizeMismatch       Kind = "size_mismatch"
	HashMismatch       Kind = "hash_mismatch"
	BackendUnavailable Kind = "backend_unavailable"
	Timeout            Kind = "timeout"
	Corrupt            Kind = "corrupt"
)

// Error is the engine-wide error value. Operation/Repo/Ref/Path/JobID are
// context added by the propagation policy (§7): collaborators' errors are
// wrapped with this context as they cross a component boundary.
type Error struct {
	Kind      Kind
	Operation string
	Repo      string
	Ref       string
	Path      string
	JobID     string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	ctx := ""
	if e.Operation != "" {
		ctx += " op=" + e.Operation
	}

	if e.Repo != "" {
		ctx += " repo=" + e.Repo
	}

	if e.Ref != "" {
		ctx += " ref=" + e.Ref
	}

	if e.Path != "" {
		ctx += " path=" + e.Path
	}

	if e.JobID != "" {
		ctx += " job=" + e.JobID
	}

	if ctx == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", msg, e.Cause)
		}

		return msg
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %v", msg, ctx[1:], e.Cause)
	}

	return fmt.Sprintf("%s [%s]", msg, ctx[1:])
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the job runner should retry locally with
// exponential backoff rather than surface the error to the caller.
func (e *Error) Retryable() bool {
	return e.Kind == BackendUnavailable || e.Kind == Timeout
}

// New builds a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and context to an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext returns a copy of e with operation/repo/ref/path/job set.
func (e *Error) WithContext(operation, repo, ref, path, jobID string) *Error {
	cp := *e
	if operation != "" {
		cp.Operation = operation
	}

	if repo != "" {
		cp.Repo = repo
	}

	if ref != "" {
		cp.Ref = ref
	}

	if path != "" {
		cp.Path = path
	}

	if jobID != "" {
		cp.JobID = jobID
	}

	return &cp
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return false
}

// KindOf extracts the Kind from err, defaulting to Corrupt when err is not
// one of ours — an unrecognized failure is treated as fatal, never silently
// downgraded to a retryable kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Corrupt
}
