package credential

import "strings"

// NormalizeIdentifier performs case-insensitive canonicalization.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
