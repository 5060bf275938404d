package credential

import (
	"log/slog"
	"strings"
	"time"

	"keeper/cmd/internal/auth/session"
	"keeper/cmd/security/password"
)

// MaxIdentifierLen bounds identifiers accepted by CreateUser.
const MaxIdentifierLen = 320

// User is the public view of a stored credential holder.
type User struct {
	ID              string
	Identifier      string
	Roles           []string
	HasSecondFactor bool
	CreatedAt       time.Time
}

// CreateUserInput registers a user. TOTPSecret is optional (base32).
type CreateUserInput struct {
	Identifier string
	Secret     string
	Roles      []string
	TOTPSecret string
}

var (
	_ session.CredentialStore = (*MemoryStore)(nil)
	_ session.CredentialStore = (*PostgresStore)(nil)
)

// Option configures either store.
type Option func(*base)

// WithPasswordConfig overrides the argon2id configuration.
func WithPasswordConfig(c password.Config) Option {
	return func(b *base) { b.pw = c }
}

// WithPolicy overrides the lockout policy.
func WithPolicy(p Policy) Option {
	return func(b *base) { b.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithSchema sets the Postgres schema (default "keeper"). Ignored by MemoryStore.
func WithSchema(schema string) Option {
	return func(b *base) { b.schema = strings.TrimSpace(schema) }
}

// base holds what both stores share.
type base struct {
	pw     password.Config
	policy Policy
	now    func() time.Time
	log    *slog.Logger
	schema string
}

func newBase(opts []Option) base {
	b := base{
		pw:     password.DefaultConfig(),
		policy: DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
		schema: "keeper",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	return b
}

// prepare validates in and hashes its secret.
func (b *base) prepare(op string, in CreateUserInput) (ident, hash string, err error) {
	ident = NormalizeIdentifier(in.Identifier)
	if ident == "" {
		return "", "", invalid(op, "identifier is required")
	}
	if len(ident) > MaxIdentifierLen {
		return "", "", invalid(op, "identifier is too long")
	}
	if strings.TrimSpace(in.Secret) == "" {
		return "", "", invalid(op, "secret is required")
	}
	hash, err = b.pw.Hash(in.Secret)
	if err != nil {
		return "", "", invalid(op, err.Error())
	}
	return ident, hash, nil
}

// authenticate checks secret against hash. rehash is non-empty when the
// stored hash used weaker parameters and should be replaced.
func (b *base) authenticate(userID, hash, secret string) (ok bool, rehash string) {
	ok, err := b.pw.Verify(hash, secret)
	if err != nil {
		b.log.Warn("credential.verify.bad_hash", "user_id", userID, "err", err)
		return false, ""
	}
	if ok && b.pw.NeedsRehash(hash) {
		if h, err := b.pw.Hash(secret); err == nil {
			rehash = h
		}
	}
	return ok, rehash
}

func copyRoles(r []string) []string {
	if len(r) == 0 {
		return nil
	}
	out := make([]string, len(r))
	copy(out, r)
	return out
}
