// Package session implements keeper's session and credential lifecycle.
//
// Access tokens are short-lived HS256 JWTs carrying a unique token id (jti).
// They are verified statelessly and can only be revoked early by placing the
// jti on the blacklist.
//
// Refresh tokens are opaque random strings, stored hashed, and strictly
// single-use: every refresh consumes the presented token through a
// compare-and-swap on its used flag and mints a replacement in the same
// atomic unit. Presenting a consumed token again is treated as replay and
// revokes every refresh token the user holds.
//
// Session state lives only in the refresh token and blacklist stores, so any
// number of instances sharing those stores and the signing key can serve
// requests.
package session
