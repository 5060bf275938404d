package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// mintAttempts bounds retries when a freshly minted refresh token collides
// with an existing hash.
const mintAttempts = 3

var errSubjectMismatch = errors.New("access token subject does not own refresh token")

// Service orchestrates login, refresh rotation, logout and revocation over
// the refresh token and blacklist stores.
//
// It holds no session state of its own; every call reads the stores.
type Service struct {
	tokens    TokenIssuer
	refresh   RefreshTokenStore
	blacklist BlacklistStore
	creds     CredentialStore

	log     *slog.Logger
	metrics *Metrics
	notify  Notifier
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records lifecycle counters on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier sends revocation events to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notify = n
		}
	}
}

// NewService wires a Service. All collaborators are required.
func NewService(tokens TokenIssuer, refresh RefreshTokenStore, blacklist BlacklistStore, creds CredentialStore, opts ...Option) (*Service, error) {
	if tokens == nil || refresh == nil || blacklist == nil || creds == nil {
		return nil, fmt.Errorf("session: missing collaborator: %w", ErrConfig)
	}
	s := &Service{
		tokens:    tokens,
		refresh:   refresh,
		blacklist: blacklist,
		creds:     creds,
		log:       slog.Default(),
		notify:    nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoginRequest carries primary credentials and an optional second factor code.
type LoginRequest struct {
	Identifier       string
	Secret           string
	SecondFactorCode string
}

// RefreshRequest carries the refresh token to exchange. AccessToken is the
// optional, possibly expired, access token of the same session; when present
// its roles carry over and its subject must own the refresh token.
type RefreshRequest struct {
	RefreshToken string
	AccessToken  string
}

// LogoutRequest identifies the session to end.
type LogoutRequest struct {
	UserID       string
	RefreshToken string
	AccessToken  string
}

// CleanupResult counts rows removed by CleanupExpired.
type CleanupResult struct {
	RefreshTokens    int64
	BlacklistEntries int64
}

// Login verifies credentials with the credential store and issues a new
// access and refresh token pair.
//
// Bad secrets, unknown identifiers and locked accounts all return
// ErrAuthenticationFailed.
func (s *Service) Login(ctx context.Context, now time.Time, req LoginRequest) (Issued, error) {
	issued, err := s.login(ctx, now, req)
	s.metrics.login(resultLabel(err))
	return issued, err
}

func (s *Service) login(ctx context.Context, now time.Time, req LoginRequest) (Issued, error) {
	const op = "session.Login"

	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" || req.Secret == "" {
		return Issued{}, ErrAuthenticationFailed
	}

	res, err := s.creds.VerifyCredentials(ctx, identifier, req.Secret)
	if err != nil {
		return Issued{}, storeErr(op, err)
	}
	if !res.OK || res.Locked || res.UserID == "" {
		s.log.InfoContext(ctx, "auth.login.fail", "locked", res.Locked)
		return Issued{}, ErrAuthenticationFailed
	}

	ok, err := s.creds.IsSecondFactorSatisfied(ctx, res.UserID, strings.TrimSpace(req.SecondFactorCode))
	if err != nil {
		return Issued{}, storeErr(op, err)
	}
	if !ok {
		if strings.TrimSpace(req.SecondFactorCode) == "" {
			return Issued{}, ErrTwoFactorRequired
		}
		s.log.InfoContext(ctx, "auth.login.second_factor_fail", "user_id", res.UserID)
		return Issued{}, ErrAuthenticationFailed
	}

	issued, err := s.issuePair(ctx, now, res.UserID, res.Roles)
	if err != nil {
		return Issued{}, storeErr(op, err)
	}
	s.log.InfoContext(ctx, "auth.login.ok", "user_id", res.UserID)
	return issued, nil
}

func (s *Service) issuePair(ctx context.Context, now time.Time, userID string, roles []string) (Issued, error) {
	access, err := s.tokens.IssueAccessToken(userID, roles, now)
	if err != nil {
		return Issued{}, err
	}
	for attempt := 1; ; attempt++ {
		rt, err := s.tokens.IssueRefreshToken(userID, now)
		if err != nil {
			return Issued{}, err
		}
		err = s.refresh.Create(ctx, rt)
		if errors.Is(err, ErrDuplicateToken) && attempt < mintAttempts {
			continue
		}
		if err != nil {
			return Issued{}, err
		}
		return issuedFrom(access, rt), nil
	}
}

func issuedFrom(access AccessToken, rt RefreshToken) Issued {
	return Issued{
		UserID:           access.Subject,
		TokenID:          access.TokenID,
		AccessToken:      access.Raw,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     rt.TokenValue,
		RefreshExpiresAt: rt.ExpiresAt,
	}
}

// Refresh exchanges a refresh token for a new pair (strict rotation).
//
// Failure order: unknown token is ErrInvalidToken; a used or revoked token is
// ErrTokenReplay; an otherwise expired token is ErrTokenExpired.
//
// Side effect: presenting a used (not revoked) token revokes every refresh
// token of its owner before ErrTokenReplay is returned.
//
// The new access token carries the owner's current roles from the
// credential store, not those of any presented access token.
func (s *Service) Refresh(ctx context.Context, now time.Time, req RefreshRequest) (Issued, error) {
	issued, err := s.rotate(ctx, now, req)
	s.metrics.refresh(resultLabel(err))
	return issued, err
}

func (s *Service) rotate(ctx context.Context, now time.Time, req RefreshRequest) (Issued, error) {
	const op = "session.Refresh"

	value := strings.TrimSpace(req.RefreshToken)
	if !plausibleRefreshToken(value) {
		return Issued{}, ErrInvalidToken
	}

	// The optional access token only pins the subject. Roles always come
	// from the credential store so a demotion takes effect on refresh.
	var subject string
	if raw := strings.TrimSpace(req.AccessToken); raw != "" {
		c, err := s.tokens.ExtractExpiredClaims(raw)
		if err != nil {
			return Issued{}, ErrInvalidToken
		}
		subject = c.Subject
	}

	hash := s.tokens.HashRefreshToken(value)

	// Roles are read before Rotate so no credential lookup runs inside the
	// rotation transaction. Rotate stays the only consumability check.
	var (
		owner string
		roles []string
	)
	cur, err := s.refresh.GetByHash(ctx, hash)
	switch {
	case errors.Is(err, ErrRefreshNotFound):
		return Issued{}, ErrInvalidToken
	case err != nil:
		return Issued{}, storeErr(op, err)
	case cur.Consumable(now):
		if subject != "" && subject != cur.UserID {
			s.log.WarnContext(ctx, "auth.refresh.subject_mismatch", "user_id", subject)
			return Issued{}, ErrInvalidToken
		}
		r, found, err := s.creds.UserRoles(ctx, cur.UserID)
		if err != nil {
			return Issued{}, storeErr(op, err)
		}
		if !found {
			s.log.WarnContext(ctx, "auth.refresh.unknown_user", "user_id", cur.UserID)
			return Issued{}, ErrInvalidToken
		}
		owner, roles = cur.UserID, r
	}

	for attempt := 1; ; attempt++ {
		var access AccessToken
		cur, repl, err := s.refresh.Rotate(ctx, now, hash, func(consumed RefreshToken) (RefreshToken, error) {
			if consumed.UserID != owner {
				return RefreshToken{}, errSubjectMismatch
			}
			at, err := s.tokens.IssueAccessToken(consumed.UserID, roles, now)
			if err != nil {
				return RefreshToken{}, err
			}
			access = at
			return s.tokens.IssueRefreshToken(consumed.UserID, now)
		})

		switch {
		case err == nil:
			s.log.InfoContext(ctx, "auth.refresh.ok", "user_id", cur.UserID)
			return issuedFrom(access, repl), nil
		case errors.Is(err, ErrDuplicateToken) && attempt < mintAttempts:
			continue
		case errors.Is(err, ErrRefreshNotFound):
			return Issued{}, ErrInvalidToken
		case errors.Is(err, errSubjectMismatch):
			s.log.WarnContext(ctx, "auth.refresh.subject_mismatch", "user_id", subject)
			return Issued{}, ErrInvalidToken
		case errors.Is(err, ErrNotConsumable):
			return Issued{}, s.rejectUnconsumable(ctx, now, cur)
		default:
			return Issued{}, storeErr(op, err)
		}
	}
}

func (s *Service) rejectUnconsumable(ctx context.Context, now time.Time, rt RefreshToken) error {
	const op = "session.Refresh"

	switch {
	case rt.IsUsed && !rt.IsRevoked:
		n, err := s.refresh.RevokeAll(ctx, rt.UserID)
		if err != nil {
			s.log.ErrorContext(ctx, "auth.refresh.replay_revoke_fail", "user_id", rt.UserID, "err", err)
			return &OpError{Op: op, Kind: ErrTokenReplay, Err: err}
		}
		s.metrics.revoked("replay", n)
		s.log.WarnContext(ctx, "auth.refresh.replay", "user_id", rt.UserID, "revoked", n)
		s.notify.Notify(ctx, Event{Kind: EventReplayDetected, UserID: rt.UserID, At: now})
		return ErrTokenReplay
	case rt.IsUsed || rt.IsRevoked:
		return ErrTokenReplay
	default:
		return ErrTokenExpired
	}
}

// Logout revokes one refresh token and blacklists the caller's access token
// until its own expiry. Repeating a logout is a no-op.
//
// Returns ErrNotFound if the refresh token does not belong to req.UserID.
func (s *Service) Logout(ctx context.Context, now time.Time, req LogoutRequest) error {
	const op = "session.Logout"

	value := strings.TrimSpace(req.RefreshToken)
	if req.UserID == "" || !plausibleRefreshToken(value) {
		return ErrNotFound
	}

	claims, err := s.tokens.ExtractExpiredClaims(strings.TrimSpace(req.AccessToken))
	if err != nil {
		return ErrInvalidToken
	}
	if claims.Subject != req.UserID {
		return ErrNotFound
	}

	hash := s.tokens.HashRefreshToken(value)
	rt, err := s.refresh.GetByHash(ctx, hash)
	if errors.Is(err, ErrRefreshNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr(op, err)
	}
	if rt.UserID != req.UserID {
		s.log.WarnContext(ctx, "auth.logout.owner_mismatch", "user_id", req.UserID)
		return ErrNotFound
	}

	if err := s.refresh.Revoke(ctx, hash); err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return ErrNotFound
		}
		return storeErr(op, err)
	}

	// An already expired access token needs no blacklist entry.
	if now.Before(claims.ExpiresAt) {
		err := s.blacklist.Add(ctx, BlacklistEntry{
			TokenID:       claims.TokenID,
			UserID:        claims.Subject,
			ExpiresAt:     claims.ExpiresAt,
			BlacklistedAt: now,
		})
		if err != nil {
			return storeErr(op, err)
		}
	}

	if !rt.IsRevoked {
		s.metrics.revoked("logout", 1)
		s.log.InfoContext(ctx, "auth.logout.ok", "user_id", req.UserID)
		s.notify.Notify(ctx, Event{Kind: EventLogout, UserID: req.UserID, TokenID: claims.TokenID, At: now})
	}
	return nil
}

// RevokeAll revokes every live refresh token of userID and returns how many
// were revoked. Access tokens already issued stay valid until they expire.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string) (int64, error) {
	const op = "session.RevokeAll"

	if strings.TrimSpace(userID) == "" {
		return 0, ErrNotFound
	}
	n, err := s.refresh.RevokeAll(ctx, userID)
	if err != nil {
		return 0, storeErr(op, err)
	}
	s.metrics.revoked("revoke_all", n)
	s.log.InfoContext(ctx, "auth.revoke_all.ok", "user_id", userID, "revoked", n)
	s.notify.Notify(ctx, Event{Kind: EventRevokedAll, UserID: userID, At: now})
	return n, nil
}

// CleanupExpired deletes refresh tokens and blacklist entries whose expiry
// has passed. Each sweep is retried once on a transient storage error; a
// failure in one sweep does not skip the other.
func (s *Service) CleanupExpired(ctx context.Context, now time.Time) (CleanupResult, error) {
	const op = "session.CleanupExpired"

	var res CleanupResult
	var errs []error

	n, err := runWithRetry(ctx, func(ctx context.Context) (int64, error) {
		return s.refresh.DeleteExpired(ctx, now)
	})
	if err != nil {
		errs = append(errs, storeErr(op+".refresh_tokens", err))
	}
	res.RefreshTokens = n
	s.metrics.swept("refresh_tokens", n)

	n, err = runWithRetry(ctx, func(ctx context.Context) (int64, error) {
		return s.blacklist.DeleteExpired(ctx, now)
	})
	if err != nil {
		errs = append(errs, storeErr(op+".blacklist", err))
	}
	res.BlacklistEntries = n
	s.metrics.swept("blacklist", n)

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	s.log.InfoContext(ctx, "auth.cleanup.ok",
		"refresh_tokens", res.RefreshTokens,
		"blacklist_entries", res.BlacklistEntries,
	)
	return res, nil
}

func runWithRetry(ctx context.Context, fn func(context.Context) (int64, error)) (int64, error) {
	n, err := fn(ctx)
	if err != nil && isTransient(err) && ctx.Err() == nil {
		return fn(ctx)
	}
	return n, err
}

func isTransient(err error) bool {
	return errors.Is(err, io.EOF) || pgconn.SafeToRetry(err)
}

// Authorize verifies an access token and checks the blacklist. It is the
// entry point for any authorization layer.
func (s *Service) Authorize(ctx context.Context, now time.Time, raw string) (Principal, error) {
	const op = "session.Authorize"

	claims, err := s.tokens.VerifyAccessToken(strings.TrimSpace(raw), now)
	if err != nil {
		return Principal{}, err
	}
	blocked, err := s.blacklist.Contains(ctx, claims.TokenID, now)
	if err != nil {
		return Principal{}, storeErr(op, err)
	}
	if blocked {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, Claims: claims}, nil
}

// Identify returns the principal named by an authentic access token, ignoring
// its expiry and the blacklist. Use it only where the caller gives up access,
// as logout does.
func (s *Service) Identify(raw string) (Principal, error) {
	claims, err := s.tokens.ExtractExpiredClaims(strings.TrimSpace(raw))
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, Claims: claims}, nil
}

// PurgeUser removes every refresh token and blacklist entry of userID. Call
// it when the user is deleted outside keeper.
func (s *Service) PurgeUser(ctx context.Context, userID string) error {
	const op = "session.PurgeUser"

	if strings.TrimSpace(userID) == "" {
		return ErrNotFound
	}
	nr, rerr := s.refresh.DeleteByUser(ctx, userID)
	nb, berr := s.blacklist.DeleteByUser(ctx, userID)
	if err := errors.Join(rerr, berr); err != nil {
		return storeErr(op, err)
	}
	s.log.InfoContext(ctx, "auth.purge_user.ok", "user_id", userID, "refresh_tokens", nr, "blacklist_entries", nb)
	return nil
}
