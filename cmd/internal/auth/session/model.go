package session

import "time"

// RefreshToken mirrors a keeper.refresh_tokens row.
//
// TokenValue is the opaque plaintext handed to the client. It is only set on
// a freshly minted token and is never persisted; stores key on TokenHash.
type RefreshToken struct {
	ID         string
	TokenValue string
	TokenHash  string
	UserID     string
	ExpiresAt  time.Time
	IsUsed     bool
	IsRevoked  bool
	CreatedAt  time.Time
}

// Consumable reports whether the token may be exchanged at now.
func (t RefreshToken) Consumable(now time.Time) bool {
	return !t.IsUsed && !t.IsRevoked && now.Before(t.ExpiresAt)
}

// BlacklistEntry mirrors a keeper.blacklisted_tokens row.
// TokenID is the access token jti, never the raw token.
type BlacklistEntry struct {
	ID            string
	TokenID       string
	UserID        string
	ExpiresAt     time.Time
	BlacklistedAt time.Time
}

// Claims is the verified content of an access token.
type Claims struct {
	TokenID   string
	Subject   string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Roles     []string
}

// AccessToken is a freshly signed access token. It is never persisted.
type AccessToken struct {
	Raw       string
	TokenID   string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Roles     []string
}

// Issued is the result of a login or a refresh.
type Issued struct {
	UserID           string
	TokenID          string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Principal is the identity behind an authorized access token.
type Principal struct {
	UserID string
	Claims Claims
}
