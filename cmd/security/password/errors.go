package password

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretTooLong = errors.New("secret too long")
	ErrInvalidHash   = errors.New("invalid password hash")
)
