package credential

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("identifier already registered")
	ErrNotFound     = errors.New("user not found")

	// ErrSecondFactorRejected means a TOTP code did not match, was reused,
	// or the account is locked.
	ErrSecondFactorRejected = errors.New("second factor rejected")
)

// OpError is a typed operation error. Msg never carries secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}
