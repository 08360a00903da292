// Package apperr defines the error kinds surfaced by the checkout core.
//
// Every failure that reaches a caller carries exactly one Kind so transport
// layers can branch on it without inspecting messages. Domain packages keep
// their own sentinel and typed errors and wrap them in an *Error.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind classifies a failure for the caller.
type Kind uint8

const (
	// KindUnknown is an unclassified internal failure.
	KindUnknown Kind = iota
	// KindValidation covers malformed requests and empty carts.
	KindValidation
	// KindNotFound covers missing orders, coupons, stores and products.
	KindNotFound
	// KindForbidden means the resource belongs to someone else.
	KindForbidden
	// KindBusinessRule covers rule violations the customer can correct.
	KindBusinessRule
	// KindExternalProvider covers payment provider failures.
	KindExternalProvider
	// KindTransient covers infrastructure blips that survived internal retries.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_failed"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindBusinessRule:
		return "business_rule_violation"
	case KindExternalProvider:
		return "external_provider_error"
	case KindTransient:
		return "transient_infrastructure_error"
	default:
		return "internal"
	}
}

// Error is a classified failure. Reason is a stable machine-readable code,
// Message is safe to show to the customer.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error without an underlying cause.
func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, kind Kind, reason, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Message: message, Err: err}
}

// Validation returns a KindValidation error.
func Validation(reason, format string, args ...any) *Error {
	return New(KindValidation, reason, fmt.Sprintf(format, args...))
}

// NotFound returns a KindNotFound error for the named entity.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, entity+"_not_found", fmt.Sprintf("%s %s not found", entity, id))
}

// Forbidden returns a KindForbidden error.
func Forbidden(message string) *Error {
	return New(KindForbidden, "forbidden", message)
}

// BusinessRule returns a KindBusinessRule error.
func BusinessRule(reason, format string, args ...any) *Error {
	return New(KindBusinessRule, reason, fmt.Sprintf(format, args...))
}

// Transient classifies err as a transient infrastructure failure.
func Transient(err error) error {
	return Wrap(err, KindTransient, "transient", "temporary infrastructure failure, please retry")
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
