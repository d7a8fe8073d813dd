// Package svcbuserr is the client's error taxonomy: every error the
// engine returns is tagged with a hierarchical name (Link.Detach,
// Message.SettleFailure, Send.Rejected, Amqp.NotFound, ...) so callers can
// branch on category without parsing strings.
package svcbuserr

import (
	"errors"
	"fmt"

	"github.com/oriys/svcbus/internal/amqptransport"
)

// Hierarchical error names, exactly as enumerated in the error taxonomy.
const (
	NameLinkDetach               = "Link.Detach"
	NameLinkNotFound             = "Link.NotFound"
	NameLinkCreditManagerMissing = "Link.CreditManagerMissing"

	NameMessageLockRenewalTimeout = "Message.LockRenewalTimeout"
	NameMessageLockRenewalFailure = "Message.LockRenewalFailure"
	NameMessageSettleFailure      = "Message.SettleFailure"

	NameInternalUnknown           = "Internal.Unknown"
	NameInternalRequestTimeout    = "Internal.RequestTimeout"
	NameInternalRequestFailure    = "Internal.RequestFailure"
	NameInternalRequestTerminated = "Internal.RequestTerminated"
	NameInternalOrphanedResponse  = "Internal.OrphanedResponse"

	NameSendTimeout  = "Send.Timeout"
	NameSendRejected = "Send.Rejected"
	NameSendDisposed = "Send.Disposed"

	NameAmqpInternalError         = "Amqp.InternalError"
	NameAmqpNotFound              = "Amqp.NotFound"
	NameAmqpUnauthorizedAccess    = "Amqp.UnauthorizedAccess"
	NameAmqpDecodeError           = "Amqp.DecodeError"
	NameAmqpResourceLimitExceeded = "Amqp.ResourceLimitExceeded"
	NameAmqpNotAllowed            = "Amqp.NotAllowed"
	NameAmqpInvalidField          = "Amqp.InvalidField"
	NameAmqpNotImplemented        = "Amqp.NotImplemented"
	NameAmqpResourceLocked        = "Amqp.ResourceLocked"
	NameAmqpPreconditionFailed    = "Amqp.PreconditionFailed"
	NameAmqpResourceDeleted       = "Amqp.ResourceDeleted"
	NameAmqpFrameSizeTooSmall     = "Amqp.FrameSizeTooSmall"
	NameAmqpIllegalState          = "Amqp.IllegalState"
	NameAmqpUnknown               = "Amqp.Unknown"
)

// Error is the concrete error type carried by the whole client. Name is
// one of the Name* constants above; Fields carries structured context
// (status codes, correlation ids, lock tokens, ...) for logging.
type Error struct {
	Name    string
	Message string
	Cause   error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no cause.
func New(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

// Wrap constructs an Error carrying cause and optional structured fields.
func Wrap(name, message string, cause error, fields map[string]any) *Error {
	return &Error{Name: name, Message: message, Cause: cause, Fields: fields}
}

// Is reports whether err (or anything it wraps) is a *Error with the given Name.
func Is(err error, name string) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			if e.Name == name {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// amqpConditionMap mirrors spec.md's AMQP-error mapper table: a
// transport Condition's symbolic Name maps to one Amqp.* taxonomy entry.
var amqpConditionMap = map[string]string{
	"internal-error":           NameAmqpInternalError,
	"not-found":                NameAmqpNotFound,
	"unauthorized-access":      NameAmqpUnauthorizedAccess,
	"decode-error":             NameAmqpDecodeError,
	"resource-limit-exceeded":  NameAmqpResourceLimitExceeded,
	"not-allowed":              NameAmqpNotAllowed,
	"invalid-field":            NameAmqpInvalidField,
	"not-implemented":          NameAmqpNotImplemented,
	"resource-locked":          NameAmqpResourceLocked,
	"precondition-failed":      NameAmqpPreconditionFailed,
	"resource-deleted":         NameAmqpResourceDeleted,
	"frame-size-too-small":     NameAmqpFrameSizeTooSmall,
	"illegal-state":            NameAmqpIllegalState,
}

// MapAMQP implements the AMQP-error mapper: a structured transport
// condition maps to a tagged Amqp.* error by its symbolic name; anything
// else (including a non-AMQP-shaped error) falls through to
// Internal.Unknown, per spec.md's propagation policy.
func MapAMQP(err error) *Error {
	if err == nil {
		return nil
	}
	var cond *amqptransport.Condition
	if c, ok := err.(*amqptransport.Condition); ok {
		cond = c
	} else if u := errors.Unwrap(err); u != nil {
		if c, ok := u.(*amqptransport.Condition); ok {
			cond = c
		}
	}
	if cond == nil || cond.Domain != "amqp" {
		return Wrap(NameInternalUnknown, "unrecognized transport error", err, nil)
	}
	name, ok := amqpConditionMap[cond.Name]
	if !ok {
		name = NameAmqpUnknown
	}
	return Wrap(name, cond.Description, err, map[string]any{"condition": cond.Name})
}
