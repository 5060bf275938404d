package session

import (
	"crypto/rand"
	"encoding/base64"
)

// maxRefreshTokenLen bounds presented refresh token values before hashing.
const maxRefreshTokenLen = 512

func newOpaqueRefreshToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func plausibleRefreshToken(v string) bool {
	return v != "" && len(v) <= maxRefreshTokenLen
}
