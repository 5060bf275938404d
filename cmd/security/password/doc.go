// Package password provides argon2id secret hashing for keeper's reference
// credential store.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Stored hashes are treated as untrusted input during Verify; parameters far
// above the configured cost are refused. Strength checks are left to the
// identity service that provisions secrets.
package password
