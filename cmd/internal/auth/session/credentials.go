package session

import "context"

// CredentialResult is the outcome of a primary credential check.
type CredentialResult struct {
	OK     bool
	Locked bool
	UserID string
	Roles  []string
}

// CredentialStore is the external identity collaborator. It owns secret
// hashing and lockout counters; the session layer only consumes its verdicts.
type CredentialStore interface {
	VerifyCredentials(ctx context.Context, identifier, secret string) (CredentialResult, error)

	// IsSecondFactorSatisfied reports whether code satisfies userID's second
	// factor. Users without a second factor are satisfied by any code.
	IsSecondFactorSatisfied(ctx context.Context, userID, code string) (bool, error)

	// UserRoles returns userID's current roles. found is false when the user
	// no longer exists.
	UserRoles(ctx context.Context, userID string) (roles []string, found bool, err error)
}
