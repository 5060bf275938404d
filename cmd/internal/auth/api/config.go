package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	LoginIPMax    int
	LoginIPWindow time.Duration

	// TOTPIssuer labels enrolled authenticator entries.
	TOTPIssuer string
}

// DefaultConfig returns the values LoadConfigFromEnv uses when nothing is set.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:  64 << 10,
		LoginIPMax:    20,
		LoginIPWindow: 5 * time.Minute,
		TOTPIssuer:    "keeper",
	}
}

// LoadConfigFromEnv loads auth API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		TrustProxy:    envBool("KEEPER_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:  envInt64("KEEPER_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		LoginIPMax:    envInt("KEEPER_AUTH_LOGIN_IP_MAX", def.LoginIPMax),
		LoginIPWindow: envDuration("KEEPER_AUTH_LOGIN_IP_WINDOW", def.LoginIPWindow),
		TOTPIssuer:    envString("KEEPER_AUTH_TOTP_ISSUER", def.TOTPIssuer),
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
