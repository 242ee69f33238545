package model

import (
	"errors"
	"fmt"
)

// Kind classifies failures that callers need to react to.
type Kind string

const (
	KindNotFound               Kind = "NotFound"
	KindInsufficientBalance    Kind = "InsufficientBalance"
	KindInsufficientLiquidity  Kind = "InsufficientLiquidity"
	KindInsufficientCollateral Kind = "InsufficientCollateral"
	KindUpstreamUnavailable    Kind = "UpstreamUnavailable"
	KindAmbiguousIdentifier    Kind = "AmbiguousIdentifier"
	KindInvalidInput           Kind = "InvalidInput"
	KindUnsupported            Kind = "Unsupported"
	KindInternal               Kind = "Internal"
)

// Error is a classified failure. Message is safe to show to API clients.
type Error struct {
	Kind       Kind
	Message    string
	Candidates []string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unresolvable token, vault, market or position.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// InsufficientBalance reports a wallet or share balance shortfall.
func InsufficientBalance(format string, args ...any) *Error {
	return newError(KindInsufficientBalance, format, args...)
}

// InsufficientLiquidity reports a market that cannot serve the request.
func InsufficientLiquidity(format string, args ...any) *Error {
	return newError(KindInsufficientLiquidity, format, args...)
}

// InsufficientCollateral reports a borrow exceeding available capacity.
func InsufficientCollateral(format string, args ...any) *Error {
	return newError(KindInsufficientCollateral, format, args...)
}

// InvalidInput reports a malformed request.
func InvalidInput(format string, args ...any) *Error {
	return newError(KindInvalidInput, format, args...)
}

// Unsupported reports a chain or protocol combination that is not served.
func Unsupported(format string, args ...any) *Error {
	return newError(KindUnsupported, format, args...)
}

// Ambiguous reports an identifier matching several candidates.
func Ambiguous(candidates []string, format string, args ...any) *Error {
	e := newError(KindAmbiguousIdentifier, format, args...)
	e.Candidates = candidates
	return e
}

// Upstream wraps a failed RPC, HTTP or GraphQL call.
func Upstream(err error, format string, args ...any) *Error {
	e := newError(KindUpstreamUnavailable, format, args...)
	e.Err = err
	return e
}

// KindOf extracts the classification of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns a client-safe message. Upstream and internal
// failures never leak wrapped causes, which may contain endpoint URLs.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Kind == KindUpstreamUnavailable {
		if e.Message != "" {
			return e.Message
		}
		return "upstream service unavailable"
	}
	return e.Message
}
