package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"keeper/cmd/internal/auth/gate"
	"keeper/cmd/internal/auth/session"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	// Subprotocol must be offered by clients.
	Subprotocol = "keeper.sessions.v1"

	wsMaxFrameBytes   = 4 << 10
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Authorizer validates the access token a client connects with.
type Authorizer interface {
	Authorize(ctx context.Context, now time.Time, raw string) (session.Principal, error)
}

// Gateway is the websocket entrypoint for session notices. A client connects
// with its access token, is subscribed to its user's notices, and is
// disconnected when its session ends or its token expires.
type Gateway struct {
	log  *slog.Logger
	hub  *Hub
	auth Authorizer
	cfg  GatewayConfig

	// Derived for websocket.Accept origin checks so both layers agree.
	originPatterns []string
}

// NewGateway constructs a gateway.
func NewGateway(log *slog.Logger, hub *Hub, auth Authorizer, cfg GatewayConfig) (*Gateway, error) {
	if hub == nil || auth == nil {
		return nil, errors.New("notify: hub and authorizer are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP upgrades the request and runs the notice loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		writeHTTPError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}

	raw := gate.BearerToken(r)
	if raw == "" {
		// Browsers cannot set headers on a websocket handshake.
		raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if raw == "" {
		writeHTTPError(w, http.StatusUnauthorized, "invalid_token", "missing access token")
		return
	}
	p, err := g.auth.Authorize(r.Context(), time.Now().UTC(), raw)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTokenExpired):
			writeHTTPError(w, http.StatusUnauthorized, "token_expired", "token expired")
		case errors.Is(err, session.ErrInvalidToken):
			writeHTTPError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
		default:
			g.log.Error("ws.authorize.fail", "err", err)
			writeHTTPError(w, http.StatusServiceUnavailable, "unavailable", "try again later")
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	g.run(r.Context(), conn, p)
}

func (g *Gateway) run(parent context.Context, conn *websocket.Conn, p session.Principal) {
	client := NewClient(ulid.Make().String(), p.UserID, p.Claims.TokenID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unsubscribe(client.UserID, client.ConnID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.hub.Subscribe(client)
	g.enqueue(ctx, client, newEnvelope(TypeReady, ReadyPayload{
		ConnectionID: client.ConnID,
		UserID:       client.UserID,
		ExpiresAt:    p.Claims.ExpiresAt,
	}, time.Now().UTC()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusPolicyViolation, "session ended")
				return
			case msg := <-client.Send:
				if err := writeEnvelope(ctx, conn, msg.env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if msg.final {
					shutdown(websocket.StatusPolicyViolation, "session ended")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()
		expiry := time.NewTimer(time.Until(p.Claims.ExpiresAt))
		defer expiry.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-expiry.C:
				shutdown(websocket.StatusPolicyViolation, "token expired")
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		switch env.Type {
		case typePing:
			g.enqueue(ctx, client, newEnvelope(TypePong, nil, now))
		default:
			g.sendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *Gateway) sendError(ctx context.Context, client *Client, code, msg string) {
	g.enqueue(ctx, client, newEnvelope(TypeError, ErrorPayload{Code: code, Message: msg}, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- outbound{env: env}:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

type readError struct{ err error }

func (e readError) Error() string { return e.err.Error() }
func (e readError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText {
		return Envelope{}, readError{fmt.Errorf("unsupported message type: %v", mt)}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, readError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var re readError
	if errors.As(err, &re) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func writeHTTPError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
