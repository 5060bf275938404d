package session

import (
	"os"
	"strconv"
	"strings"
	"time"

	"keeper/cmd/security/token"
)

// MinSigningKeyBytes is the minimum HS256 key length accepted at startup.
const MinSigningKeyBytes = 32

// Config defines all runtime configuration for the session subsystem.
type Config struct {
	// SigningKey is the symmetric HS256 key shared by every instance.
	SigningKey []byte

	// Issuer and Audience are set on issued access tokens and enforced on verify.
	Issuer   string
	Audience string

	// AccessTokenTTL is the access token lifetime. Zero issues already-expired tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int

	// TokenHashKey enables HMAC-SHA256 hashing of refresh tokens at rest.
	TokenHashKey []byte
}

// DefaultConfig returns defaults for everything except the signing key.
func DefaultConfig() Config {
	return Config{
		Issuer:            "keeper",
		Audience:          "keeper-vault",
		AccessTokenTTL:    60 * time.Minute,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		RefreshTokenBytes: 32,
	}
}

// Validate reports ErrConfig if cfg cannot safely issue sessions.
func (c Config) Validate() error {
	switch {
	case len(c.SigningKey) < MinSigningKeyBytes:
		return ErrConfig
	case strings.TrimSpace(c.Issuer) == "", strings.TrimSpace(c.Audience) == "":
		return ErrConfig
	case c.AccessTokenTTL < 0, c.RefreshTokenTTL <= 0:
		return ErrConfig
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - KEEPER_AUTH_SIGNING_KEY (at least 32 bytes)
//
// Optional:
//   - KEEPER_AUTH_ISSUER
//   - KEEPER_AUTH_AUDIENCE
//   - KEEPER_AUTH_ACCESS_TTL_MINUTES (>= 0)
//   - KEEPER_AUTH_REFRESH_TTL_DAYS (>= 1)
//   - KEEPER_AUTH_REFRESH_TOKEN_BYTES (32..64)
//   - KEEPER_TOKEN_HMAC_KEY
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("KEEPER_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("KEEPER_AUTH_AUDIENCE")); v != "" {
		cfg.Audience = v
	}

	if v := os.Getenv("KEEPER_AUTH_ACCESS_TTL_MINUTES"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = time.Duration(n) * time.Minute
	}

	if v := os.Getenv("KEEPER_AUTH_REFRESH_TTL_DAYS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenTTL = time.Duration(n) * 24 * time.Hour
	}

	if v := os.Getenv("KEEPER_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	cfg.SigningKey = []byte(strings.TrimSpace(os.Getenv("KEEPER_AUTH_SIGNING_KEY")))

	if token.HMACEnabled() {
		key, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.TokenHashKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
