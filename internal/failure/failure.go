// Package failure classifies the errors produced while converging a machine so the
// agent can decide what to record, what to retry, and what to abort on.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindConfiguration is a missing or malformed credential or setting.
	// Fatal: the caller aborts before mutating anything.
	KindConfiguration Kind = "ConfigurationError"

	// KindFetch is a network or authentication failure while pulling the desired state.
	// Retried at the next schedule tick, the last known good state stays authoritative.
	KindFetch Kind = "FetchError"

	// KindSecrets is a failure to decrypt the secrets bundle. The run fails without applying.
	KindSecrets Kind = "SecretsError"

	// KindApply is a resource that failed to reconcile. Only its dependency chain is affected.
	KindApply Kind = "ApplyError"

	// KindDestructiveAction is a maintenance action (reboot) that did not complete.
	// Retried only at the job's next natural schedule.
	KindDestructiveAction Kind = "DestructiveActionError"

	KindInternal Kind = "InternalError"
)

// Error wraps an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Configuration(format string, args ...any) *Error {
	return newError(KindConfiguration, format, args...)
}

func Fetch(format string, args ...any) *Error { return newError(KindFetch, format, args...) }

func Secrets(format string, args ...any) *Error { return newError(KindSecrets, format, args...) }

func Apply(format string, args ...any) *Error { return newError(KindApply, format, args...) }

func DestructiveAction(format string, args ...any) *Error {
	return newError(KindDestructiveAction, format, args...)
}

func Internal(format string, args ...any) *Error { return newError(KindInternal, format, args...) }

// KindOf returns the kind of the outermost *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	e := &Error{}
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
