// Package gate rejects requests that carry a blacklisted access token before
// they reach signature verification or any protected handler.
//
// The gate only peeks at the token id; it never decides that a token is
// valid. Requests without a token, or with one it cannot decode, pass through
// to the downstream verifier.
package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TokenIDPeeker extracts the token id from a raw access token without verifying it.
type TokenIDPeeker interface {
	PeekTokenID(raw string) (string, error)
}

// Blacklist answers revoked-token lookups.
type Blacklist interface {
	Contains(ctx context.Context, tokenID string, now time.Time) (bool, error)
}

// Gate is the inbound blacklist check.
type Gate struct {
	peek      TokenIDPeeker
	blacklist Blacklist
	log       *slog.Logger
	now       func() time.Time
	rejected  *prometheus.CounterVec
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithClock overrides time.Now for the middleware.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithMetrics registers keeper_gate_rejections_total on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(g *Gate) {
		g.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "gate",
			Name:      "rejections_total",
			Help:      "Requests rejected by the blacklist gate, by reason.",
		}, []string{"reason"})
		if reg != nil {
			reg.MustRegister(g.rejected)
		}
	}
}

// New returns a Gate backed by peek and blacklist.
func New(peek TokenIDPeeker, blacklist Blacklist, opts ...Option) *Gate {
	g := &Gate{
		peek:      peek,
		blacklist: blacklist,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verdict is the gate's decision for one token.
type Verdict int

const (
	Allow Verdict = iota
	Revoked
	LookupFailed
)

// Decide classifies raw. An empty or undecodable token is allowed and left
// to the downstream verifier.
func (g *Gate) Decide(ctx context.Context, now time.Time, raw string) Verdict {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Allow
	}
	jti, err := g.peek.PeekTokenID(raw)
	if err != nil || jti == "" {
		return Allow
	}
	blocked, err := g.blacklist.Contains(ctx, jti, now)
	if err != nil {
		g.log.ErrorContext(ctx, "gate.lookup.fail", "err", err)
		g.count("lookup_error")
		return LookupFailed
	}
	if blocked {
		return Revoked
	}
	return Allow
}

// Check reports whether a request bearing raw may proceed. A blacklisted
// token or a failed lookup rejects.
func (g *Gate) Check(ctx context.Context, now time.Time, raw string) bool {
	switch g.Decide(ctx, now, raw) {
	case Allow:
		return true
	case Revoked:
		g.log.InfoContext(ctx, "gate.reject")
		g.count("blacklisted")
	}
	return false
}

func (g *Gate) count(reason string) {
	if g.rejected != nil {
		g.rejected.WithLabelValues(reason).Inc()
	}
}

// Middleware applies Check to the Authorization bearer token of every request.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Check(r.Context(), g.now(), BearerToken(r)) {
			writeRevoked(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type revokedKey struct{}

// Idempotent is Middleware for routes where repeating a request with an
// already revoked token changes nothing, such as logout. A blacklisted token
// reaches next with RevokedToken(ctx) set. A failed lookup still rejects.
func (g *Gate) Idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch g.Decide(r.Context(), g.now(), BearerToken(r)) {
		case LookupFailed:
			writeRevoked(w)
		case Revoked:
			g.log.DebugContext(r.Context(), "gate.pass.revoked", "path", r.URL.Path)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), revokedKey{}, true)))
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// RevokedToken reports whether Idempotent let a blacklisted token through.
func RevokedToken(ctx context.Context) bool {
	v, _ := ctx.Value(revokedKey{}).(bool)
	return v
}

func writeRevoked(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "token_revoked", "message": "token revoked"},
	})
}

// BearerToken returns the token from an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
