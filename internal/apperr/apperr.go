// Package apperr classifies engine errors so transports can decide between
// retrying and abandoning a flow without knowing every sentinel.
package apperr

import "errors"

// Kind groups errors by how a caller should react.
type Kind string

const (
	KindUnknown            Kind = ""
	KindInvalid            Kind = "invalid"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindExpired            Kind = "expired"
	KindExternalFailure    Kind = "external_failure"
	KindInvariantViolation Kind = "invariant_violation"
)

// Error is a classified sentinel. Compare with errors.Is against the
// package-level values; wrap with fmt.Errorf("...: %w", err) freely.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// New declares a classified sentinel error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the machine-readable code of the first classified error in
// err's chain, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

// Retryable reports whether the caller may retry after re-reading state.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindExternalFailure:
		return true
	default:
		return false
	}
}

// IsClassified reports whether err carries a Kind. Unclassified errors come
// from storage or the network and are treated as transient.
func IsClassified(err error) bool {
	return KindOf(err) != KindUnknown
}
