package session

import (
	"errors"
	"fmt"
)

// Lifecycle failures surfaced to callers.
var (
	// ErrAuthenticationFailed covers bad credentials and locked accounts alike.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTwoFactorRequired is returned when the second factor is unsatisfied and no code was supplied.
	ErrTwoFactorRequired = errors.New("two factor required")

	// ErrInvalidToken is returned for malformed, unknown, or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a well-formed token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenReplay is returned when a used or revoked refresh token is presented again.
	// Replaying a used token revokes every refresh token of its owner.
	ErrTokenReplay = errors.New("token replay detected")

	// ErrNotFound is returned when a refresh token does not belong to the caller.
	ErrNotFound = errors.New("not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrStoreUnavailable is the kind attached to storage failures.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Store-level conditions. Backends return these; the service translates them.
var (
	// ErrRefreshNotFound is returned when no record matches a token hash.
	ErrRefreshNotFound = errors.New("refresh token not found")

	// ErrNotConsumable is returned by Rotate when the compare-and-swap loses:
	// the token is already used, revoked, or expired.
	ErrNotConsumable = errors.New("refresh token not consumable")

	// ErrDuplicateToken is returned when a token hash already exists.
	ErrDuplicateToken = errors.New("refresh token already exists")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above; Err is the underlying cause, if any.
// Do not put token values in Err.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both Kind and Err to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func storeErr(op string, err error) error {
	return &OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
}
