// Package errs defines the error taxonomy shared by every servicenow
// client package. A single Error type carries a Kind from a closed set so
// callers can branch on failure class with errors.As instead of string
// matching.
package errs

import "fmt"

// Kind classifies why an operation failed. The set is closed and mirrors
// the nine error categories the reconciliation engine distinguishes.
type Kind int

const (
	// KindUnknown is never produced deliberately; its presence means a
	// caller constructed an Error without a Kind.
	KindUnknown Kind = iota
	// KindConfiguration covers missing credentials/instance, invalid
	// URLs, and read-only violations.
	KindConfiguration
	// KindRequestValidation covers malformed sys_id, wrong table-name
	// prefix, and missing sys_id where one is required.
	KindRequestValidation
	// KindTransport covers network/DNS/connection failures after
	// retries are exhausted, and non-retried HTTP statuses.
	KindTransport
	// KindProtocol covers unexpected content type, missing body,
	// malformed JSON/XML, and nested {error:{...}} responses.
	KindProtocol
	// KindSchema covers a SCHEMA endpoint response with no element
	// array, or a column missing name/type.
	KindSchema
	// KindCoercion covers a value that cannot be converted to its
	// declared remote type.
	KindCoercion
	// KindPlan covers rename attempts, immutable-field changes,
	// ownership-blocked updates, duplicate relationship types, and
	// unknown column types in a desired descriptor.
	KindPlan
	// KindQuota covers the 100,000-row hard cap.
	KindQuota
	// KindOperational covers duplicate rows and missing relationship
	// types ("please create manually").
	KindOperational
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindRequestValidation:
		return "request_validation"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindSchema:
		return "schema"
	case KindCoercion:
		return "coercion"
	case KindPlan:
		return "plan"
	case KindQuota:
		return "quota"
	case KindOperational:
		return "operational"
	default:
		return "unknown"
	}
}

// Error is the single error type crossing every package boundary in this
// module. Message should be a short human-readable string carrying enough
// context (table, column, value, status code) to diagnose the failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, errs.New(errs.KindQuota, "")) as a class check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that wraps cause, preserving it for
// errors.Unwrap/errors.As.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return KindUnknown, false
}

// as is a tiny local shim around errors.As to avoid importing "errors"
// twice in callers that also need errors.Is; kept here so Of has no
// import-order surprises.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
