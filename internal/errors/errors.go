package errors

import (
	"errors"
	"fmt"
)

// Common error types for the BFF
var (
	// Callback errors
	ErrAuthorizationDenied    = errors.New("authorization denied")
	ErrMalformedCallback      = errors.New("malformed callback")
	ErrInvalidOrReplayedState = errors.New("invalid or replayed state")
	ErrTokenExchangeFailed    = errors.New("token exchange failed")

	// Downstream authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrMissingScope = fmt.Errorf("%w: missing scope", ErrUnauthorized)

	// Session errors
	ErrNoSession = errors.New("no authenticated session")

	// Attempt store errors
	ErrAttemptNotFound  = errors.New("auth attempt not found")
	ErrStoreUnavailable = errors.New("attempt store unavailable")

	// General errors
	ErrMisconfigured = errors.New("misconfigured")
	ErrInternal      = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return errors.Join(errs...)
}
