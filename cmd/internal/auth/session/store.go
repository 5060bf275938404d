package session

import (
	"context"
	"time"
)

// NextRefresh mints the replacement for a refresh token consumed by Rotate.
// It runs inside the store's atomic unit; an error aborts the rotation.
type NextRefresh func(consumed RefreshToken) (RefreshToken, error)

// RefreshTokenStore abstracts persistence for refresh tokens.
//
// Implementations must make Rotate a compare-and-swap: two concurrent calls
// for the same hash must never both succeed.
type RefreshTokenStore interface {
	// Create persists a freshly minted token. Returns ErrDuplicateToken if
	// the hash already exists.
	Create(ctx context.Context, rt RefreshToken) error

	// GetByHash loads a token by hash. Returns ErrRefreshNotFound if absent.
	GetByHash(ctx context.Context, hash string) (RefreshToken, error)

	// Rotate marks the token used if and only if it is consumable at now,
	// then persists the replacement returned by next, all or nothing.
	//
	// When the swap loses it returns the current record with
	// ErrNotConsumable, or ErrRefreshNotFound if there is none.
	Rotate(ctx context.Context, now time.Time, hash string, next NextRefresh) (consumed, replacement RefreshToken, err error)

	// Revoke sets the revoked flag on one token. Idempotent.
	Revoke(ctx context.Context, hash string) error

	// RevokeAll revokes every non-revoked token of userID and returns how many changed.
	RevokeAll(ctx context.Context, userID string) (int64, error)

	// DeleteExpired removes tokens whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// DeleteByUser removes every token of userID.
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// BlacklistStore abstracts persistence for revoked access token ids.
type BlacklistStore interface {
	// Add blacklists entry.TokenID until entry.ExpiresAt. Adding an id that
	// is already present is a no-op.
	Add(ctx context.Context, entry BlacklistEntry) error

	// Contains reports whether tokenID is blacklisted and not yet expired at now.
	Contains(ctx context.Context, tokenID string, now time.Time) (bool, error)

	// DeleteExpired prunes entries whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// DeleteByUser removes every entry of userID.
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}
