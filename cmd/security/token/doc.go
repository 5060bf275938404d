// Package token provides refresh-token hashing primitives for keeper.
//
// Refresh tokens are opaque bearer values; only their digest is ever stored.
//
// Modes:
// - SHA-256(token) when no HMAC key is configured (dev).
// - HMAC-SHA256(token, key) when KEEPER_TOKEN_HMAC_KEY is set.
//
// Output is always 64-char lowercase hex, suitable for a unique index.
//
// Policy:
//   - If KEEPER_REQUIRE_TOKEN_HMAC=true, callers MUST load the key with a
//     minimum size (>= 32 bytes) and MUST NOT fall back to SHA-256.
package token
