package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUser struct {
	id     string
	secret string
	locked bool
	roles  []string
	code   string
}

type fakeCreds struct {
	users map[string]fakeUser
	err   error
}

func (f *fakeCreds) VerifyCredentials(_ context.Context, identifier, secret string) (CredentialResult, error) {
	if f.err != nil {
		return CredentialResult{}, f.err
	}
	u, ok := f.users[identifier]
	if !ok {
		return CredentialResult{}, nil
	}
	if u.locked {
		return CredentialResult{Locked: true, UserID: u.id}, nil
	}
	if u.secret != secret {
		return CredentialResult{UserID: u.id}, nil
	}
	return CredentialResult{OK: true, UserID: u.id, Roles: u.roles}, nil
}

func (f *fakeCreds) IsSecondFactorSatisfied(_ context.Context, userID, code string) (bool, error) {
	for _, u := range f.users {
		if u.id == userID {
			return u.code == "" || u.code == code, nil
		}
	}
	return false, nil
}

func (f *fakeCreds) UserRoles(_ context.Context, userID string) ([]string, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	for _, u := range f.users {
		if u.id == userID {
			return u.roles, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeCreds) setRoles(identifier string, roles []string) {
	u := f.users[identifier]
	u.roles = roles
	f.users[identifier] = u
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	svc       *Service
	issuer    *JWTIssuer
	refresh   *MemoryRefreshStore
	blacklist *MemoryBlacklist
	creds     *fakeCreds
	notes     *recordingNotifier
	metrics   *Metrics
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		issuer:    mustIssuer(t, cfg),
		refresh:   NewMemoryRefreshStore(),
		blacklist: NewMemoryBlacklist(),
		creds: &fakeCreds{users: map[string]fakeUser{
			"alice@example.com": {id: "user-alice", secret: "alice-secret", roles: []string{"owner"}},
			"bob@example.com":   {id: "user-bob", secret: "bob-secret"},
			"carol@example.com": {id: "user-carol", secret: "carol-secret", code: "123456"},
			"dave@example.com":  {id: "user-dave", secret: "dave-secret", locked: true},
		}},
		notes:   &recordingNotifier{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	svc, err := NewService(h.issuer, h.refresh, h.blacklist, h.creds,
		WithNotifier(h.notes),
		WithMetrics(h.metrics),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) login(t *testing.T, identifier, secret string) Issued {
	t.Helper()
	issued, err := h.svc.Login(context.Background(), testNow, LoginRequest{Identifier: identifier, Secret: secret})
	require.NoError(t, err)
	return issued
}

func (h *harness) stored(t *testing.T, value string) RefreshToken {
	t.Helper()
	rt, err := h.refresh.GetByHash(context.Background(), h.issuer.HashRefreshToken(value))
	require.NoError(t, err)
	return rt
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(nil, NewMemoryRefreshStore(), NewMemoryBlacklist(), &fakeCreds{})
	require.ErrorIs(t, err, ErrConfig)
}

func TestLogin_IssuesAuthorizablePair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued := h.login(t, "alice@example.com", "alice-secret")
	assert.Equal(t, "user-alice", issued.UserID)
	assert.NotEmpty(t, issued.RefreshToken)
	assert.WithinDuration(t, testNow.Add(time.Hour), issued.AccessExpiresAt, time.Second)
	assert.WithinDuration(t, testNow.Add(7*24*time.Hour), issued.RefreshExpiresAt, time.Second)

	p, err := h.svc.Authorize(ctx, testNow.Add(time.Minute), issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-alice", p.UserID)
	assert.Equal(t, issued.TokenID, p.Claims.TokenID)
	assert.Equal(t, []string{"owner"}, p.Claims.Roles)

	rt := h.stored(t, issued.RefreshToken)
	assert.Equal(t, "user-alice", rt.UserID)
	assert.True(t, rt.Consumable(testNow))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.logins.WithLabelValues("ok")))
}

func TestLogin_FailuresAreOpaque(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]LoginRequest{
		"bad secret":     {Identifier: "alice@example.com", Secret: "nope"},
		"unknown user":   {Identifier: "mallory@example.com", Secret: "x"},
		"locked account": {Identifier: "dave@example.com", Secret: "dave-secret"},
		"empty":          {},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Login(ctx, testNow, req)
			require.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.logins.WithLabelValues("auth_failed")))
}

func TestLogin_SecondFactor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Login(ctx, testNow, LoginRequest{Identifier: "carol@example.com", Secret: "carol-secret"})
	require.ErrorIs(t, err, ErrTwoFactorRequired)

	_, err = h.svc.Login(ctx, testNow, LoginRequest{Identifier: "carol@example.com", Secret: "carol-secret", SecondFactorCode: "000000"})
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	issued, err := h.svc.Login(ctx, testNow, LoginRequest{Identifier: "carol@example.com", Secret: "carol-secret", SecondFactorCode: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "user-carol", issued.UserID)
}

func TestLogin_CredentialStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.creds.err = errors.New("identity service down")

	_, err := h.svc.Login(context.Background(), testNow, LoginRequest{Identifier: "alice@example.com", Secret: "alice-secret"})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "session.Login", opErr.Op)
}

func TestRefresh_RotatesAndConsumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.login(t, "alice@example.com", "alice-secret")

	later := testNow.Add(10 * time.Minute)
	second, err := h.svc.Refresh(ctx, later, RefreshRequest{RefreshToken: first.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.TokenID, second.TokenID)
	assert.Equal(t, "user-alice", second.UserID)

	assert.True(t, h.stored(t, first.RefreshToken).IsUsed)
	assert.True(t, h.stored(t, second.RefreshToken).Consumable(later))

	_, err = h.svc.Authorize(ctx, later, second.AccessToken)
	require.NoError(t, err)
}

func TestRefresh_ReplayRevokesAllUserTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token1 := h.login(t, "alice@example.com", "alice-secret")
	otherDevice := h.login(t, "alice@example.com", "alice-secret")
	bystander := h.login(t, "bob@example.com", "bob-secret")

	token2, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: token1.RefreshToken})
	require.NoError(t, err)
	require.NotEqual(t, token1.RefreshToken, token2.RefreshToken)

	_, err = h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: token1.RefreshToken})
	require.ErrorIs(t, err, ErrTokenReplay)

	assert.False(t, h.stored(t, token2.RefreshToken).Consumable(testNow))
	assert.False(t, h.stored(t, otherDevice.RefreshToken).Consumable(testNow))
	assert.True(t, h.stored(t, bystander.RefreshToken).Consumable(testNow))

	_, err = h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: token2.RefreshToken})
	require.ErrorIs(t, err, ErrTokenReplay)

	assert.Equal(t, []EventKind{EventReplayDetected}, h.notes.kinds())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.refreshes.WithLabelValues("replay")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.revocations.WithLabelValues("replay")))
}

func TestRefresh_RevokedTokenDoesNotMassRevoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.login(t, "alice@example.com", "alice-secret")
	b := h.login(t, "alice@example.com", "alice-secret")

	require.NoError(t, h.svc.Logout(ctx, testNow, LogoutRequest{UserID: "user-alice", RefreshToken: a.RefreshToken, AccessToken: a.AccessToken}))

	_, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: a.RefreshToken})
	require.ErrorIs(t, err, ErrTokenReplay)
	assert.True(t, h.stored(t, b.RefreshToken).Consumable(testNow))
}

func TestRefresh_UnknownAndExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: "does-not-exist"})
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: ""})
	require.ErrorIs(t, err, ErrInvalidToken)

	issued := h.login(t, "alice@example.com", "alice-secret")
	_, err = h.svc.Refresh(ctx, issued.RefreshExpiresAt, RefreshRequest{RefreshToken: issued.RefreshToken})
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.False(t, h.stored(t, issued.RefreshToken).IsUsed)
}

func TestRefresh_ReplayReportedBeforeExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")

	_, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: issued.RefreshToken})
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, issued.RefreshExpiresAt.Add(time.Hour), RefreshRequest{RefreshToken: issued.RefreshToken})
	require.ErrorIs(t, err, ErrTokenReplay)
}

func TestRefresh_ConcurrentCallsHaveSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")

	const callers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		replays int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: issued.RefreshToken})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTokenReplay):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, replays)
}

func TestRefresh_WithExpiredAccessTokenKeepsRoles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")

	afterExpiry := issued.AccessExpiresAt.Add(time.Minute)
	_, err := h.svc.Authorize(ctx, afterExpiry, issued.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	next, err := h.svc.Refresh(ctx, afterExpiry, RefreshRequest{RefreshToken: issued.RefreshToken, AccessToken: issued.AccessToken})
	require.NoError(t, err)

	p, err := h.svc.Authorize(ctx, afterExpiry, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, p.Claims.Roles)
}

func TestRefresh_RolesComeFromCredentialStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")

	// No access token presented: roles are still the user's.
	second, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: issued.RefreshToken})
	require.NoError(t, err)
	p, err := h.svc.Authorize(ctx, testNow, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, p.Claims.Roles)

	// Demoted user presenting the original owner token gets no roles back.
	h.creds.setRoles("alice@example.com", nil)
	third, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: second.RefreshToken, AccessToken: issued.AccessToken})
	require.NoError(t, err)
	p, err = h.svc.Authorize(ctx, testNow, third.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, p.Claims.Roles)
}

func TestRefresh_DeletedUserIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")

	delete(h.creds.users, "alice@example.com")
	_, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: issued.RefreshToken})
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, h.stored(t, issued.RefreshToken).Consumable(testNow))
}

func TestRefresh_SubjectMismatchDoesNotConsume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.login(t, "alice@example.com", "alice-secret")
	bob := h.login(t, "bob@example.com", "bob-secret")

	_, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: alice.RefreshToken, AccessToken: bob.AccessToken})
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, h.stored(t, alice.RefreshToken).Consumable(testNow))
}

func TestAccessTTLZero_AuthorizeExpiredButClaimsExtractable(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AccessTokenTTL = 0 })
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")

	_, err := h.svc.Authorize(ctx, testNow, issued.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	c, err := h.issuer.ExtractExpiredClaims(issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-alice", c.Subject)
}

func TestLogout_BlacklistsAccessTokenAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")
	req := LogoutRequest{UserID: "user-alice", RefreshToken: issued.RefreshToken, AccessToken: issued.AccessToken}

	require.NoError(t, h.svc.Logout(ctx, testNow, req))

	_, err := h.svc.Authorize(ctx, testNow, issued.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, h.stored(t, issued.RefreshToken).IsRevoked)

	entry := h.blacklist.entries[issued.TokenID]
	assert.Equal(t, "user-alice", entry.UserID)
	assert.True(t, entry.ExpiresAt.Equal(issued.AccessExpiresAt))

	require.NoError(t, h.svc.Logout(ctx, testNow.Add(time.Second), req))
	assert.Len(t, h.blacklist.entries, 1)
	assert.True(t, h.blacklist.entries[issued.TokenID].BlacklistedAt.Equal(testNow))
	assert.Equal(t, []EventKind{EventLogout}, h.notes.kinds())
}

func TestLogout_ExpiredAccessTokenIsNotBlacklisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	issued := h.login(t, "alice@example.com", "alice-secret")

	later := issued.AccessExpiresAt.Add(time.Minute)
	require.NoError(t, h.svc.Logout(ctx, later, LogoutRequest{UserID: "user-alice", RefreshToken: issued.RefreshToken, AccessToken: issued.AccessToken}))
	assert.Empty(t, h.blacklist.entries)
	assert.True(t, h.stored(t, issued.RefreshToken).IsRevoked)
}

func TestLogout_OtherUsersTokenIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.login(t, "alice@example.com", "alice-secret")
	bob := h.login(t, "bob@example.com", "bob-secret")

	err := h.svc.Logout(ctx, testNow, LogoutRequest{UserID: "user-bob", RefreshToken: alice.RefreshToken, AccessToken: bob.AccessToken})
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, h.stored(t, alice.RefreshToken).IsRevoked)

	err = h.svc.Logout(ctx, testNow, LogoutRequest{UserID: "user-bob", RefreshToken: "unknown", AccessToken: bob.AccessToken})
	require.ErrorIs(t, err, ErrNotFound)

	err = h.svc.Logout(ctx, testNow, LogoutRequest{UserID: "user-bob", RefreshToken: bob.RefreshToken, AccessToken: "garbage"})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeAll_LeavesAccessTokensValid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.login(t, "alice@example.com", "alice-secret")
	b := h.login(t, "alice@example.com", "alice-secret")

	n, err := h.svc.RevokeAll(ctx, testNow, "user-alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, issued := range []Issued{a, b} {
		_, err := h.svc.Refresh(ctx, testNow, RefreshRequest{RefreshToken: issued.RefreshToken})
		require.ErrorIs(t, err, ErrTokenReplay)

		_, err = h.svc.Authorize(ctx, testNow, issued.AccessToken)
		require.NoError(t, err)
	}
	assert.Equal(t, []EventKind{EventRevokedAll}, h.notes.kinds())
}

func TestCleanupExpired_RemovesOnlyExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := h.login(t, "alice@example.com", "alice-secret")
	require.NoError(t, h.svc.Logout(ctx, testNow, LogoutRequest{UserID: "user-alice", RefreshToken: old.RefreshToken, AccessToken: old.AccessToken}))

	fresh, err := h.svc.Login(ctx, testNow.Add(6*24*time.Hour), LoginRequest{Identifier: "bob@example.com", Secret: "bob-secret"})
	require.NoError(t, err)

	res, err := h.svc.CleanupExpired(ctx, testNow.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{}, res)
	h.stored(t, old.RefreshToken)
	assert.Len(t, h.blacklist.entries, 1)

	res, err = h.svc.CleanupExpired(ctx, old.RefreshExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{RefreshTokens: 1, BlacklistEntries: 1}, res)

	_, err = h.refresh.GetByHash(ctx, h.issuer.HashRefreshToken(old.RefreshToken))
	require.ErrorIs(t, err, ErrRefreshNotFound)
	assert.True(t, h.stored(t, fresh.RefreshToken).Consumable(old.RefreshExpiresAt))
}

type flakyRefreshStore struct {
	*MemoryRefreshStore
	failures int
	err      error
}

func (f *flakyRefreshStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, f.err
	}
	return f.MemoryRefreshStore.DeleteExpired(ctx, now)
}

func TestCleanupExpired_RetriesTransientOnce(t *testing.T) {
	issuer := mustIssuer(t, testConfig())
	store := &flakyRefreshStore{MemoryRefreshStore: NewMemoryRefreshStore(), failures: 1, err: io.EOF}
	svc, err := NewService(issuer, store, NewMemoryBlacklist(), &fakeCreds{})
	require.NoError(t, err)

	_, err = svc.CleanupExpired(context.Background(), testNow)
	require.NoError(t, err)

	store.failures = 2
	_, err = svc.CleanupExpired(context.Background(), testNow)
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestPurgeUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.login(t, "alice@example.com", "alice-secret")
	bob := h.login(t, "bob@example.com", "bob-secret")
	require.NoError(t, h.svc.Logout(ctx, testNow, LogoutRequest{UserID: "user-alice", RefreshToken: alice.RefreshToken, AccessToken: alice.AccessToken}))

	require.NoError(t, h.svc.PurgeUser(ctx, "user-alice"))
	_, err := h.refresh.GetByHash(ctx, h.issuer.HashRefreshToken(alice.RefreshToken))
	require.ErrorIs(t, err, ErrRefreshNotFound)
	assert.Empty(t, h.blacklist.entries)
	h.stored(t, bob.RefreshToken)

	require.ErrorIs(t, h.svc.PurgeUser(ctx, " "), ErrNotFound)
}

func TestAuthorize_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Authorize(ctx, testNow, "")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.svc.Authorize(ctx, testNow, "a.b.c")
	require.ErrorIs(t, err, ErrInvalidToken)

	issued := h.login(t, "alice@example.com", "alice-secret")
	require.NoError(t, h.blacklist.Add(ctx, BlacklistEntry{
		TokenID:   issued.TokenID,
		UserID:    issued.UserID,
		ExpiresAt: issued.AccessExpiresAt,
	}))
	_, err = h.svc.Authorize(ctx, testNow, issued.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentify_IgnoresExpiry(t *testing.T) {
	h := newHarness(t)
	issued := h.login(t, "bob@example.com", "bob-secret")

	p, err := h.svc.Identify(issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-bob", p.UserID)
	assert.Equal(t, issued.TokenID, p.Claims.TokenID)

	_, err = h.svc.Identify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
