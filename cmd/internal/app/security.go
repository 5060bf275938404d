package app

import (
	"errors"

	"keeper/cmd/security/token"
)

// ValidateSecurityConfig enforces keeper's security policy at startup.
// It checks through the same package that hashes refresh tokens, so the
// policy cannot pass while hashing silently falls back to plain SHA-256.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: KEEPER_REQUIRE_TOKEN_HMAC=true but KEEPER_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: KEEPER_REQUIRE_TOKEN_HMAC=true but KEEPER_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: KEEPER_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
