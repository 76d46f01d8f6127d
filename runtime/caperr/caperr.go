// Package caperr provides the structured error taxonomy shared by the
// capability pipeline. Every failure surfaced by a policy handler, the
// invoker or the ledger is an *Error carrying a Kind so callers can decide
// whether the failure is an expected outcome (policy rejection, timeout,
// invocation failure) or fatal (chain integrity).
package caperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindPolicyRejection reports a call refused by a policy handler before it
	// reached the terminal executor (circuit open, rate limited, invalid hint).
	KindPolicyRejection Kind = "policy_rejection"
	// KindTimeout reports a call abandoned because its deadline elapsed.
	KindTimeout Kind = "timeout"
	// KindInvocationFailure reports an error returned by the terminal executor.
	KindInvocationFailure Kind = "invocation_failure"
	// KindChainIntegrity reports a ledger storage fault. It is the only fatal kind.
	KindChainIntegrity Kind = "chain_integrity"
)

// Sentinels usable with errors.Is to match any error of the given kind.
var (
	ErrPolicyRejection   = &Error{Kind: KindPolicyRejection}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrInvocationFailure = &Error{Kind: KindInvocationFailure}
	ErrChainIntegrity    = &Error{Kind: KindChainIntegrity}
)

// Error is a classified pipeline failure. Errors may be nested via Cause to
// retain diagnostics across retries and fallbacks.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Capability is the capability the failure relates to, if any.
	Capability string
	// Message is the human-readable summary of the failure.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// New constructs an Error of the given kind.
func New(kind Kind, capability, message string) *Error {
	return &Error{Kind: kind, Capability: capability, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause. The message
// defaults to the cause message.
func Wrap(kind Kind, capability string, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Capability: capability, Message: message, Cause: cause}
}

// PolicyRejection returns a policy rejection for capability.
func PolicyRejection(capability, format string, args ...any) *Error {
	return New(KindPolicyRejection, capability, fmt.Sprintf(format, args...))
}

// Timeout returns a timeout error for capability after d elapsed.
func Timeout(capability string, d time.Duration) *Error {
	return &Error{
		Kind:       KindTimeout,
		Capability: capability,
		Message:    fmt.Sprintf("timed out after %s", d),
		Cause:      context.DeadlineExceeded,
	}
}

// InvocationFailure wraps an error returned by the terminal executor.
func InvocationFailure(capability string, cause error) *Error {
	return Wrap(KindInvocationFailure, capability, cause, "")
}

// ChainIntegrity wraps a ledger storage fault.
func ChainIntegrity(cause error, format string, args ...any) *Error {
	return Wrap(KindChainIntegrity, "", cause, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Capability != "" {
		msg = fmt.Sprintf("%s: %s", e.Capability, msg)
	}
	if e.Cause != nil && e.Message != e.Cause.Error() {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Message == "" && t.Capability == "" && t.Cause == nil && t.Kind == e.Kind
}

// KindOf classifies err. Errors that carry no kind classify as invocation
// failures; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInvocationFailure
}

// IsFatal reports whether err must abort the caller rather than be recorded
// as an ordinary failed outcome.
func IsFatal(err error) bool {
	return errors.Is(err, ErrChainIntegrity)
}

// Recoverable reports whether an outer handler such as retry or fallback may
// convert err into a success.
func Recoverable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
