package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"keeper/cmd/internal/auth/session"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore keeps users in the <schema>.users table.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Lockout counters are updated under SELECT ... FOR UPDATE so concurrent
// failures are all counted.
type PostgresStore struct {
	base
	pool  *pgxpool.Pool
	users string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("credential: nil pool")
	}
	b := newBase(opts)
	if !pgIdentRe.MatchString(b.schema) {
		return nil, fmt.Errorf("credential: invalid schema identifier %q", b.schema)
	}
	return &PostgresStore{
		base:  b,
		pool:  pool,
		users: pgx.Identifier{b.schema, "users"}.Sanitize(),
	}, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "credential.CreateUser"

	ident, hash, err := s.prepare(op, in)
	if err != nil {
		return User{}, err
	}
	now := s.now()
	u := User{
		ID:              ulid.Make().String(),
		Identifier:      ident,
		Roles:           copyRoles(in.Roles),
		HasSecondFactor: in.TOTPSecret != "",
		CreatedAt:       now,
	}
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.users+` (id, identifier, password_hash, totp_secret, roles, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		u.ID, ident, hash, nullIfEmpty(in.TOTPSecret), roles, now,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return User{}, OpError{Op: op, Kind: ErrConflict}
		}
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) VerifyCredentials(ctx context.Context, identifier, secret string) (session.CredentialResult, error) {
	ident := NormalizeIdentifier(identifier)
	now := s.now()

	var (
		id, hash   string
		totpSecret *string
		roles      []string
		acct       account
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, password_hash, totp_secret, roles, failed_attempts, locked_until
		   FROM `+s.users+` WHERE identifier = $1`,
		ident,
	).Scan(&id, &hash, &totpSecret, &roles, &acct.FailedAttempts, &acct.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		s.pw.DummyVerify(secret)
		return session.CredentialResult{}, nil
	}
	if err != nil {
		return session.CredentialResult{}, err
	}
	if acct.locked(now) {
		s.pw.DummyVerify(secret)
		return session.CredentialResult{Locked: true, UserID: id}, nil
	}

	valid, rehash := s.authenticate(id, hash, secret)
	if !valid {
		if err := s.recordFailure(ctx, id, now); err != nil {
			return session.CredentialResult{}, err
		}
		return session.CredentialResult{UserID: id}, nil
	}

	// With a second factor enrolled the counter is cleared only once the
	// code is accepted.
	reset := totpSecret == nil && (acct.FailedAttempts > 0 || acct.LockedUntil != nil)
	if reset || rehash != "" {
		if err := s.recordSuccess(ctx, id, rehash, reset, now); err != nil {
			return session.CredentialResult{}, err
		}
	}
	return session.CredentialResult{OK: true, UserID: id, Roles: roles}, nil
}

func (s *PostgresStore) recordFailure(ctx context.Context, userID string, now time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acct account
	err = tx.QueryRow(ctx,
		`SELECT failed_attempts, locked_until FROM `+s.users+` WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&acct.FailedAttempts, &acct.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	acct = s.policy.afterFailure(acct, now)
	if _, err := tx.Exec(ctx,
		`UPDATE `+s.users+` SET failed_attempts = $2, locked_until = $3, updated_at = $4 WHERE id = $1`,
		userID, acct.FailedAttempts, acct.LockedUntil, now,
	); err != nil {
		return err
	}
	if acct.locked(now) {
		s.log.Info("credential.lockout", "user_id", userID, "until", *acct.LockedUntil)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) recordSuccess(ctx context.Context, userID, rehash string, reset bool, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.users+`
		    SET failed_attempts = CASE WHEN $3 THEN 0 ELSE failed_attempts END,
		        locked_until = CASE WHEN $3 THEN NULL ELSE locked_until END,
		        password_hash = COALESCE($2, password_hash),
		        updated_at = $4
		  WHERE id = $1`,
		userID, nullIfEmpty(rehash), reset, now,
	)
	return err
}

// IsSecondFactorSatisfied checks code against userID's TOTP secret under a
// row lock. A wrong code counts toward lockout, and a code is accepted at
// most once.
func (s *PostgresStore) IsSecondFactorSatisfied(ctx context.Context, userID, code string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		secret   *string
		lastStep int64
		acct     account
	)
	err = tx.QueryRow(ctx,
		`SELECT totp_secret, totp_last_step, failed_attempts, locked_until
		   FROM `+s.users+` WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&secret, &lastStep, &acct.FailedAttempts, &acct.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if secret == nil {
		return true, nil
	}

	now := s.now()
	v := s.checkSecondFactor(acct, *secret, lastStep, code, now)
	if !v.write {
		return v.ok, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+s.users+`
		    SET failed_attempts = $2, locked_until = $3, totp_last_step = $4, updated_at = $5
		  WHERE id = $1`,
		userID, v.acct.FailedAttempts, v.acct.LockedUntil, v.step, now,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return v.ok, nil
}

// UserRoles returns the user's current roles.
func (s *PostgresStore) UserRoles(ctx context.Context, userID string) ([]string, bool, error) {
	var roles []string
	err := s.pool.QueryRow(ctx,
		`SELECT roles FROM `+s.users+` WHERE id = $1`, userID,
	).Scan(&roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return roles, true, nil
}

// EnrollSecondFactor stores secret for userID once code shows the
// authenticator holds it. Returns ErrConflict if a factor is already enrolled.
func (s *PostgresStore) EnrollSecondFactor(ctx context.Context, userID, secret, code string) error {
	const op = "credential.EnrollSecondFactor"

	now := s.now()
	step, err := enrolmentStep(op, secret, code, now)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.users+`
		    SET totp_secret = $2, totp_last_step = $3, updated_at = $4
		  WHERE id = $1 AND totp_secret IS NULL`,
		userID, strings.TrimSpace(secret), step, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.users+` WHERE id = $1)`, userID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return OpError{Op: op, Kind: ErrConflict, Msg: "second factor already enrolled"}
}

// RemoveSecondFactor drops userID's second factor after a current code.
// Wrong codes count toward lockout. Removing an absent factor is a no-op.
func (s *PostgresStore) RemoveSecondFactor(ctx context.Context, userID, code string) error {
	const op = "credential.RemoveSecondFactor"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		secret   *string
		lastStep int64
		acct     account
	)
	err = tx.QueryRow(ctx,
		`SELECT totp_secret, totp_last_step, failed_attempts, locked_until
		   FROM `+s.users+` WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&secret, &lastStep, &acct.FailedAttempts, &acct.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return err
	}
	if secret == nil {
		return nil
	}

	now := s.now()
	v := s.checkSecondFactor(acct, *secret, lastStep, code, now)
	if v.ok {
		_, err = tx.Exec(ctx,
			`UPDATE `+s.users+`
			    SET totp_secret = NULL, totp_last_step = 0, failed_attempts = 0, locked_until = NULL, updated_at = $2
			  WHERE id = $1`,
			userID, now,
		)
	} else if v.write {
		_, err = tx.Exec(ctx,
			`UPDATE `+s.users+` SET failed_attempts = $2, locked_until = $3, updated_at = $4 WHERE id = $1`,
			userID, v.acct.FailedAttempts, v.acct.LockedUntil, now,
		)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if !v.ok {
		return OpError{Op: op, Kind: ErrSecondFactorRejected}
	}
	return nil
}

// DeleteUser removes a user. Refresh tokens and blacklist rows cascade.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.users+` WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "credential.DeleteUser", Kind: ErrNotFound}
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
