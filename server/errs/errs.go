// Package errs classifies engine failures so callers can tell a bad request
// from a wrong-state request from a broken invariant.
package errs

import (
	"errors"
	"net/http"
)

// Kind is the failure class.
type Kind string

const (
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindProvider   Kind = "provider"
	KindIntegrity  Kind = "integrity"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknownArena      Code = "UNKNOWN_ARENA"
	CodeBadParticipants   Code = "BAD_PARTICIPANTS"
	CodeStakeTooSmall     Code = "STAKE_BELOW_MINIMUM"
	CodeBadSide           Code = "BAD_SIDE"
	CodeBadVote           Code = "BAD_VOTE"
	CodeBadCursor         Code = "BAD_CURSOR"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeVotingOpen        Code = "VOTING_WINDOW_OPEN"
	CodePoolClosed        Code = "POOL_CLOSED"
	CodeAgentInactive     Code = "AGENT_INACTIVE"
	CodeAlreadyQueued     Code = "ALREADY_QUEUED"
	CodePoolSettled       Code = "POOL_ALREADY_SETTLED"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeNegativeBalance   Code = "NEGATIVE_BALANCE"
	CodeProviderFailed    Code = "PROVIDER_FAILED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInternal          Code = "INTERNAL"
)

// Error is the engine's structured error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by code so sentinel values can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Validation(code Code, message string) *Error { return New(KindValidation, code, message) }
func State(code Code, message string) *Error      { return New(KindState, code, message) }
func Integrity(code Code, message string) *Error  { return New(KindIntegrity, code, message) }
func NotFound(message string) *Error              { return New(KindNotFound, CodeNotFound, message) }

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = NotFound("not found")
	ErrPoolSettled       = Integrity(CodePoolSettled, "pool already settled")
	ErrInsufficientFunds = Integrity(CodeInsufficientFunds, "insufficient balance")
)

// As returns the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the HTTP surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindState:
		return http.StatusConflict
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Reason is the human-readable message for callers.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
