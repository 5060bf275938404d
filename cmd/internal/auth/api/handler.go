// Package api exposes the session lifecycle over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"keeper/cmd/internal/auth/gate"
	"keeper/cmd/internal/auth/session"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var validate = validator.New()

// Handler wires HTTP auth endpoints to the session service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service
	accounts AccountRemover
	factors  SecondFactorManager
	throttle *loginThrottle
	now      func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithClock overrides the request clock.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(sessions *session.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("api: session service is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = DefaultConfig().TOTPIssuer
	}

	h := &Handler{
		log:      slog.Default(),
		cfg:      cfg,
		sessions: sessions,
		throttle: newLoginThrottle(cfg.LoginIPMax, cfg.LoginIPWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routers are the subrouters the auth routes mount on. Callers put Protected
// behind gate.Middleware and Idempotent behind gate.Idempotent.
type Routers struct {
	Public     *mux.Router
	Idempotent *mux.Router
	Protected  *mux.Router
}

// Register mounts the auth routes. Logout goes on rt.Idempotent so a
// repeated logout with an already revoked token is still a no-op.
func (h *Handler) Register(rt Routers) {
	rt.Public.HandleFunc("/auth/login", h.handleLogin).Methods(http.MethodPost)
	rt.Public.HandleFunc("/auth/refresh", h.handleRefresh).Methods(http.MethodPost)
	rt.Idempotent.HandleFunc("/auth/logout", h.handleLogout).Methods(http.MethodPost)
	rt.Protected.HandleFunc("/auth/logout_all", h.handleLogoutAll).Methods(http.MethodPost)
	rt.Protected.HandleFunc("/auth/session", h.handleSession).Methods(http.MethodGet)
	if h.accounts != nil {
		rt.Protected.HandleFunc("/auth/account", h.handleDeleteAccount).Methods(http.MethodDelete)
	}
	if h.factors != nil {
		rt.Protected.HandleFunc("/auth/second_factor/setup", h.handleSecondFactorSetup).Methods(http.MethodPost)
		rt.Protected.HandleFunc("/auth/second_factor", h.handleSecondFactorEnroll).Methods(http.MethodPost)
		rt.Protected.HandleFunc("/auth/second_factor", h.handleSecondFactorRemove).Methods(http.MethodDelete)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	if blocked, retry := h.throttle.blocked(ip, now); blocked {
		h.auditLoginRateLimited(ctx, ip, ua, retry)
		writeRateLimited(w, retry)
		return
	}

	issued, err := h.sessions.Login(ctx, now, session.LoginRequest{
		Identifier:       req.Identifier,
		Secret:           req.Secret,
		SecondFactorCode: req.SecondFactorCode,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAuthenticationFailed):
			h.throttle.fail(ip, now)
			h.auditLoginFailed(ctx, ip, ua, req.Identifier, "credentials")
		case errors.Is(err, session.ErrTwoFactorRequired):
			h.auditLoginFailed(ctx, ip, ua, req.Identifier, "second_factor_required")
		}
		h.writeSessionError(w, "auth.login.fail", err)
		return
	}

	h.auditLoginSuccess(ctx, issued.UserID, ip, ua)
	writeJSON(w, http.StatusOK, toTokenResponse(issued))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	issued, err := h.sessions.Refresh(ctx, h.now(), session.RefreshRequest{
		RefreshToken: req.RefreshToken,
		AccessToken:  req.AccessToken,
	})
	if err != nil {
		if errors.Is(err, session.ErrTokenReplay) {
			h.auditRefreshReplay(ctx, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
		}
		h.writeSessionError(w, "auth.refresh.fail", err)
		return
	}

	h.auditRefreshSuccess(ctx, issued.UserID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	writeJSON(w, http.StatusOK, toTokenResponse(issued))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw := gate.BearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}
	// Logout only gives up access, so an expired bearer token still names the user.
	p, err := h.sessions.Identify(raw)
	if err != nil {
		h.writeSessionError(w, "auth.logout.fail", err)
		return
	}

	var req logoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	err = h.sessions.Logout(ctx, h.now(), session.LogoutRequest{
		UserID:       p.UserID,
		RefreshToken: req.RefreshToken,
		AccessToken:  raw,
	})
	if err != nil {
		h.writeSessionError(w, "auth.logout.fail", err)
		return
	}

	h.auditLogout(ctx, p.UserID, gate.RevokedToken(ctx), clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	n, err := h.sessions.RevokeAll(ctx, h.now(), p.UserID)
	if err != nil {
		h.writeSessionError(w, "auth.logout_all.fail", err)
		return
	}

	h.auditLogoutAll(ctx, p.UserID, n, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	writeJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	roles := p.Claims.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:    p.UserID,
		TokenID:   p.Claims.TokenID,
		Roles:     roles,
		ExpiresAt: p.Claims.ExpiresAt,
	})
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Principal, bool) {
	raw := gate.BearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return session.Principal{}, false
	}
	p, err := h.sessions.Authorize(r.Context(), h.now(), raw)
	if err != nil {
		h.writeSessionError(w, "auth.authorize.fail", err)
		return session.Principal{}, false
	}
	return p, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing or oversized field")
		return false
	}
	return true
}

// writeSessionError maps session errors to stable codes. Unknown errors are
// logged under event and reported as internal.
func (h *Handler) writeSessionError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, session.ErrTokenReplay):
		writeError(w, http.StatusUnauthorized, "token_replay", "refresh token reuse detected")
		var opErr *session.OpError
		if errors.As(err, &opErr) {
			h.log.Error(event, "err", err)
		}
	case errors.Is(err, session.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, "authentication_failed", "invalid credentials")
	case errors.Is(err, session.ErrTwoFactorRequired):
		writeError(w, http.StatusUnauthorized, "two_factor_required", "second factor required")
	case errors.Is(err, session.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired")
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func toTokenResponse(is session.Issued) tokenResponse {
	return tokenResponse{
		TokenType:        "Bearer",
		AccessToken:      is.AccessToken,
		AccessExpiresAt:  is.AccessExpiresAt,
		RefreshToken:     is.RefreshToken,
		RefreshExpiresAt: is.RefreshExpiresAt,
	}
}
