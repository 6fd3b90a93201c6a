package auth

import (
	"fmt"
	"net/http"

	bfferrors "github.com/jrsteele09/go-bff/internal/errors"
)

// Callback error codes as they appear in response bodies.
const (
	CodeAuthorizationDenied    = "authorization_denied"
	CodeMalformedCallback      = "malformed_callback"
	CodeInvalidOrReplayedState = "invalid_or_replayed_state"
	CodeTokenExchangeFailed    = "token_exchange_failed"
	CodeServiceUnavailable     = "service_unavailable"
)

var genericMessages = map[string]string{
	CodeAuthorizationDenied:    "The sign-in request was not approved.",
	CodeMalformedCallback:      "The sign-in response was incomplete.",
	CodeInvalidOrReplayedState: "The sign-in request is unknown or has already been used. Please sign in again.",
	CodeTokenExchangeFailed:    "Sign-in could not be completed.",
	CodeServiceUnavailable:     "Sign-in is temporarily unavailable.",
}

// CallbackError is the outcome of a failed callback: a stable code, the HTTP
// status to answer with and the underlying error.
type CallbackError struct {
	Code   string
	Status int
	// Description is the identity provider's error_description, sanitized.
	// Only set for denied authorizations.
	Description string
	Err         error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Message is safe to show to the user.
func (e *CallbackError) Message() string {
	if e.Description != "" {
		return e.Description
	}
	return genericMessages[e.Code]
}

func newCallbackError(code string, status int, err error) *CallbackError {
	return &CallbackError{Code: code, Status: status, Err: err}
}

func deniedError(description string) *CallbackError {
	e := newCallbackError(CodeAuthorizationDenied, http.StatusBadRequest, bfferrors.ErrAuthorizationDenied)
	e.Description = description
	return e
}
