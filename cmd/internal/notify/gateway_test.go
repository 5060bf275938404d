package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keeper/cmd/internal/auth/session"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthorizer map[string]session.Principal

func (s stubAuthorizer) Authorize(_ context.Context, _ time.Time, raw string) (session.Principal, error) {
	p, ok := s[raw]
	if !ok {
		return session.Principal{}, session.ErrInvalidToken
	}
	return p, nil
}

func newTestGateway(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(quietLogger())
	auth := stubAuthorizer{
		"good-token": {
			UserID: "alice",
			Claims: session.Claims{TokenID: "jti-1", Subject: "alice", ExpiresAt: time.Now().Add(time.Hour)},
		},
	}
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	g, err := NewGateway(quietLogger(), hub, auth, cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return hub, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions" + query
}

func readEnv(ctx context.Context, t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestGateway_RejectsMissingOrBadToken(t *testing.T) {
	_, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv, ""), &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, wsURL(srv, "?access_token=nope"), &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_DeliversNoticeAndDisconnects(t *testing.T) {
	hub, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer good-token")
	c, _, err := websocket.Dial(ctx, wsURL(srv, ""), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   header,
	})
	require.NoError(t, err)
	defer c.CloseNow()

	ready := readEnv(ctx, t, c)
	require.Equal(t, TypeReady, ready.Type)
	var rp ReadyPayload
	require.NoError(t, json.Unmarshal(ready.Payload, &rp))
	assert.Equal(t, "alice", rp.UserID)
	require.Equal(t, 1, hub.Connections("alice"))

	ping, _ := json.Marshal(Envelope{V: Version, Type: typePing, ID: "p1", TS: time.Now().UTC()})
	require.NoError(t, c.Write(ctx, websocket.MessageText, ping))
	assert.Equal(t, TypePong, readEnv(ctx, t, c).Type)

	hub.Notify(ctx, session.Event{Kind: session.EventRevokedAll, UserID: "alice", At: time.Now().UTC()})
	notice := readEnv(ctx, t, c)
	assert.Equal(t, string(session.EventRevokedAll), notice.Type)

	_, _, err = c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	require.Eventually(t, func() bool { return hub.Connections("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_QueryTokenAndUnsupportedType(t *testing.T) {
	_, srv := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(srv, "?access_token=good-token"), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	require.NoError(t, err)
	defer c.CloseNow()

	require.Equal(t, TypeReady, readEnv(ctx, t, c).Type)

	msg, _ := json.Marshal(Envelope{V: Version, Type: "subscribe", ID: "x", TS: time.Now().UTC()})
	require.NoError(t, c.Write(ctx, websocket.MessageText, msg))
	env := readEnv(ctx, t, c)
	assert.Equal(t, TypeError, env.Type)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	env = readEnv(ctx, t, c)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ep))
	assert.Equal(t, "bad_json", ep.Code)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "done"))
}

func TestGateway_OriginPolicy(t *testing.T) {
	hub := NewHub(quietLogger())
	cfg := DefaultGatewayConfig()
	g, err := NewGateway(quietLogger(), hub, stubAuthorizer{}, cfg)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws/sessions", nil)
	assert.Error(t, g.enforceOrigin(r), "origin required by default")

	r.Header.Set("Origin", "http://localhost:5173")
	assert.NoError(t, g.enforceOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.Error(t, g.enforceOrigin(r))

	assert.Equal(t, []string{"127.0.0.1", "localhost"}, g.originPatterns)
}
