package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when KEEPER_DATABASE_URL is set and the
// schema from migrations/ is applied. Unreachable Postgres skips them.

func TestPostgresRefreshStore_RotateSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	userID := mustCreateUser(ctx, t, pool)
	store, err := NewPostgresRefreshStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresRefreshStore: %v", err)
	}
	iss := mustIssuer(t, testConfig())
	now := time.Now().UTC()

	rt, err := iss.IssueRefreshToken(userID, now)
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	if err := store.Create(ctx, rt); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, rt); err != ErrDuplicateToken {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Rotate(ctx, now, rt.TokenHash, func(c RefreshToken) (RefreshToken, error) {
				return iss.IssueRefreshToken(c.UserID, now)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrNotConsumable):
			default:
				t.Errorf("Rotate: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", wins)
	}

	got, err := store.GetByHash(ctx, rt.TokenHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if !got.IsUsed || got.IsRevoked {
		t.Fatalf("expected used, not revoked: %+v", got)
	}

	n, err := store.RevokeAll(ctx, userID)
	if err != nil || n != 2 {
		t.Fatalf("RevokeAll: n=%d err=%v", n, err)
	}
}

func TestPostgresRefreshStore_RotateRollsBackOnMintFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	userID := mustCreateUser(ctx, t, pool)
	store, err := NewPostgresRefreshStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresRefreshStore: %v", err)
	}
	iss := mustIssuer(t, testConfig())
	now := time.Now().UTC()

	rt, _ := iss.IssueRefreshToken(userID, now)
	if err := store.Create(ctx, rt); err != nil {
		t.Fatalf("Create: %v", err)
	}

	boom := errors.New("boom")
	_, _, err = store.Rotate(ctx, now, rt.TokenHash, func(RefreshToken) (RefreshToken, error) {
		return RefreshToken{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := store.GetByHash(ctx, rt.TokenHash)
	if !got.Consumable(now) {
		t.Fatalf("failed rotation must leave the token consumable: %+v", got)
	}
}

func TestPostgresStores_CleanupAndCascade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	defer pool.Close()

	userID := mustCreateUser(ctx, t, pool)
	refresh, _ := NewPostgresRefreshStore(pool)
	bl, _ := NewPostgresBlacklist(pool)
	iss := mustIssuer(t, testConfig())
	now := time.Now().UTC()

	stale, _ := iss.IssueRefreshToken(userID, now.Add(-8*24*time.Hour))
	live, _ := iss.IssueRefreshToken(userID, now)
	for _, rt := range []RefreshToken{stale, live} {
		if err := refresh.Create(ctx, rt); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	jti := ulid.Make().String()
	if err := bl.Add(ctx, BlacklistEntry{TokenID: jti, UserID: userID, ExpiresAt: now.Add(time.Minute), BlacklistedAt: now}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := bl.Add(ctx, BlacklistEntry{TokenID: jti, UserID: userID, ExpiresAt: now.Add(time.Hour), BlacklistedAt: now}); err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if ok, err := bl.Contains(ctx, jti, now); err != nil || !ok {
		t.Fatalf("Contains: ok=%v err=%v", ok, err)
	}

	if _, err := refresh.DeleteExpired(ctx, now); err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if _, err := refresh.GetByHash(ctx, stale.TokenHash); err != ErrRefreshNotFound {
		t.Fatalf("stale token should be gone, got %v", err)
	}
	if _, err := refresh.GetByHash(ctx, live.TokenHash); err != nil {
		t.Fatalf("live token should remain: %v", err)
	}
	if _, err := bl.DeleteExpired(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("blacklist DeleteExpired: %v", err)
	}
	if ok, _ := bl.Contains(ctx, jti, now); ok {
		t.Fatalf("expired blacklist entry should be pruned")
	}

	if err := bl.Add(ctx, BlacklistEntry{TokenID: ulid.Make().String(), UserID: userID, ExpiresAt: now.Add(time.Hour), BlacklistedAt: now}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM keeper.users WHERE id = $1`, userID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := refresh.GetByHash(ctx, live.TokenHash); err != ErrRefreshNotFound {
		t.Fatalf("refresh tokens must cascade with the user, got %v", err)
	}
	var left int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM keeper.blacklisted_tokens WHERE user_id = $1`, userID).Scan(&left); err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 0 {
		t.Fatalf("blacklist entries must cascade with the user, %d left", left)
	}
}

func mustPGXPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("KEEPER_DATABASE_URL")
	if dbURL == "" {
		t.Skip("KEEPER_DATABASE_URL is not set; skipping Postgres integration test")
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}
	return pool
}

func shouldSkipIntegration(err error) bool {
	if os.Getenv("CI") != "" {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connect") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout")
}

func mustCreateUser(ctx context.Context, t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id := ulid.Make().String()
	_, err := pool.Exec(ctx, `
		INSERT INTO keeper.users (id, identifier, password_hash)
		VALUES ($1, $2, 'x')
	`, id, "it-"+strings.ToLower(id)+"@example.com")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM keeper.users WHERE id = $1`, id)
	})
	return id
}
