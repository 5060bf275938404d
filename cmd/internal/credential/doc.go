// Package credential is keeper's reference credential store: argon2id secret
// verification, failed-attempt lockout and an optional TOTP second factor.
//
// Both stores satisfy session.CredentialStore. Deployments that already own a
// user directory can implement that interface themselves instead.
package credential
