package flight

import (
	"errors"
	"fmt"

	"github.com/matt-riley/flightz/internal/tracking"
)

// ErrorKind classifies domain failures so transports can map them to the
// right status without string matching.
type ErrorKind int

const (
	// KindNotFound means the flight or stage addressed by the command does
	// not exist.
	KindNotFound ErrorKind = iota
	// KindValidation means the condition is structurally invalid.
	KindValidation
	// KindConfiguration means an operator was asked to evaluate a filter
	// type it does not support.
	KindConfiguration
)

// Error is a domain failure carrying a stable machine-readable code and the
// tracking IDs of the command that hit it.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	IDs     tracking.IDs
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (correlation=%s transaction=%s)", e.Code, e.Message, e.IDs.CorrelationID, e.IDs.TransactionID)
}

// NewNotFound builds a not-found domain error.
func NewNotFound(code, message string, ids tracking.IDs) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message, IDs: ids}
}

// NewValidation builds a validation domain error.
func NewValidation(code, message string, ids tracking.IDs) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, IDs: ids}
}

// NewConfiguration builds a configuration domain error.
func NewConfiguration(code, message string, ids tracking.IDs) *Error {
	return &Error{Kind: KindConfiguration, Code: code, Message: message, IDs: ids}
}

// IsNotFound reports whether err is a domain error of kind KindNotFound.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsValidation reports whether err is a domain error of kind KindValidation.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsConfiguration reports whether err is a domain error of kind
// KindConfiguration.
func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }

func isKind(err error, kind ErrorKind) bool {
	var domainErr *Error
	return errors.As(err, &domainErr) && domainErr.Kind == kind
}
