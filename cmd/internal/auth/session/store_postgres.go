package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresOption configures the Postgres-backed stores.
type PostgresOption func(*pgTables) error

type pgTables struct {
	schema string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "keeper").
func WithSchema(schema string) PostgresOption {
	return func(t *pgTables) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier %q", schema)
		}
		t.schema = schema
		return nil
	}
}

func newPgTables(opts []PostgresOption) (pgTables, error) {
	t := pgTables{schema: "keeper"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&t); err != nil {
			return pgTables{}, err
		}
	}
	return t, nil
}

func (t pgTables) ident(name string) string {
	return pgx.Identifier{t.schema, name}.Sanitize()
}

// PostgresRefreshStore implements RefreshTokenStore on <schema>.refresh_tokens.
type PostgresRefreshStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ RefreshTokenStore = (*PostgresRefreshStore)(nil)

// NewPostgresRefreshStore creates a Postgres-backed refresh token store.
func NewPostgresRefreshStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRefreshStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	t, err := newPgTables(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresRefreshStore{pool: pool, table: t.ident("refresh_tokens")}, nil
}

const refreshCols = `id, user_id, token_hash, expires_at, is_used, is_revoked, created_at`

func scanRefresh(row pgx.Row) (RefreshToken, error) {
	var rt RefreshToken
	err := row.Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.IsUsed, &rt.IsRevoked, &rt.CreatedAt)
	return rt, err
}

// Create inserts a new refresh token row.
func (s *PostgresRefreshStore) Create(ctx context.Context, rt RefreshToken) error {
	return s.insert(ctx, s.pool, rt)
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresRefreshStore) insert(ctx context.Context, db pgExecer, rt RefreshToken) error {
	if rt.ID == "" {
		rt.ID = ulid.Make().String()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO `+s.table+` (`+refreshCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rt.ID, rt.UserID, rt.TokenHash, rt.ExpiresAt, rt.IsUsed, rt.IsRevoked, rt.CreatedAt)
	if pgIsUniqueViolation(err) {
		return ErrDuplicateToken
	}
	return err
}

// GetByHash loads a refresh token row by hash.
func (s *PostgresRefreshStore) GetByHash(ctx context.Context, hash string) (RefreshToken, error) {
	rt, err := scanRefresh(s.pool.QueryRow(ctx, `
		SELECT `+refreshCols+`
		FROM `+s.table+`
		WHERE token_hash = $1
	`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrRefreshNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	return rt, nil
}

// Rotate consumes a refresh token with a conditional UPDATE and inserts the
// replacement in the same transaction.
func (s *PostgresRefreshStore) Rotate(ctx context.Context, now time.Time, hash string, next NextRefresh) (RefreshToken, RefreshToken, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return RefreshToken{}, RefreshToken{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The WHERE clause is the compare-and-swap. Under READ COMMITTED a
	// concurrent winner makes this statement re-evaluate and match nothing.
	consumed, err := scanRefresh(tx.QueryRow(ctx, `
		UPDATE `+s.table+`
		SET is_used = TRUE, used_at = $2
		WHERE token_hash = $1
		  AND is_used = FALSE
		  AND is_revoked = FALSE
		  AND expires_at > $2
		RETURNING `+refreshCols+`
	`, hash, now))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := scanRefresh(tx.QueryRow(ctx, `
			SELECT `+refreshCols+`
			FROM `+s.table+`
			WHERE token_hash = $1
		`, hash))
		if errors.Is(gerr, pgx.ErrNoRows) {
			return RefreshToken{}, RefreshToken{}, ErrRefreshNotFound
		}
		if gerr != nil {
			return RefreshToken{}, RefreshToken{}, gerr
		}
		return cur, RefreshToken{}, ErrNotConsumable
	}
	if err != nil {
		return RefreshToken{}, RefreshToken{}, err
	}

	repl, err := next(consumed)
	if err != nil {
		return RefreshToken{}, RefreshToken{}, err
	}
	if err := s.insert(ctx, tx, repl); err != nil {
		return RefreshToken{}, RefreshToken{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RefreshToken{}, RefreshToken{}, err
	}
	return consumed, repl, nil
}

// Revoke revokes a single refresh token (idempotent).
func (s *PostgresRefreshStore) Revoke(ctx context.Context, hash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET is_revoked = TRUE,
		    revoked_at = COALESCE(revoked_at, now())
		WHERE token_hash = $1
	`, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRefreshNotFound
	}
	return nil
}

// RevokeAll revokes every live refresh token of a user.
func (s *PostgresRefreshStore) RevokeAll(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET is_revoked = TRUE,
		    revoked_at = now()
		WHERE user_id = $1
		  AND is_revoked = FALSE
	`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes refresh tokens past their expiry.
func (s *PostgresRefreshStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteByUser removes every refresh token of a user.
func (s *PostgresRefreshStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PostgresBlacklist implements BlacklistStore on <schema>.blacklisted_tokens.
type PostgresBlacklist struct {
	pool  *pgxpool.Pool
	table string
}

var _ BlacklistStore = (*PostgresBlacklist)(nil)

// NewPostgresBlacklist creates a Postgres-backed blacklist.
func NewPostgresBlacklist(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresBlacklist, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	t, err := newPgTables(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresBlacklist{pool: pool, table: t.ident("blacklisted_tokens")}, nil
}

// Add inserts a blacklist entry; an existing token id is left untouched.
func (b *PostgresBlacklist) Add(ctx context.Context, e BlacklistEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO `+b.table+` (id, token_id, user_id, expires_at, blacklisted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_id) DO NOTHING
	`, e.ID, e.TokenID, e.UserID, e.ExpiresAt, e.BlacklistedAt)
	return err
}

// Contains reports whether a token id is blacklisted at now.
func (b *PostgresBlacklist) Contains(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var exists bool
	err := b.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM `+b.table+`
			WHERE token_id = $1 AND expires_at > $2
		)
	`, tokenID, now).Scan(&exists)
	return exists, err
}

// DeleteExpired prunes blacklist entries past their expiry.
func (b *PostgresBlacklist) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+b.table+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteByUser removes every blacklist entry of a user.
func (b *PostgresBlacklist) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+b.table+` WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
