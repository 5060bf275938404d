package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"keeper/cmd/internal/auth/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, c *Client) outbound {
	t.Helper()
	select {
	case m := <-c.Send:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message queued")
		return outbound{}
	}
}

func TestHub_NotifyTargetsUser(t *testing.T) {
	h := NewHub(quietLogger())
	alice1 := NewClient("c1", "alice", "jti-1", 4)
	alice2 := NewClient("c2", "alice", "jti-2", 4)
	bob := NewClient("c3", "bob", "jti-3", 4)
	h.Subscribe(alice1)
	h.Subscribe(alice2)
	h.Subscribe(bob)
	require.Equal(t, 2, h.Connections("alice"))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.Notify(context.Background(), session.Event{Kind: session.EventLogout, UserID: "alice", TokenID: "jti-1", At: at})

	m1 := recv(t, alice1)
	m2 := recv(t, alice2)
	assert.True(t, m1.final, "connection of the logged out token ends")
	assert.False(t, m2.final)
	assert.Equal(t, string(session.EventLogout), m1.env.Type)
	assert.Equal(t, at, m1.env.TS)

	var p NoticePayload
	require.NoError(t, json.Unmarshal(m1.env.Payload, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "jti-1", p.TokenID)

	assert.Empty(t, bob.Send)
}

func TestHub_RevokeAllEndsEveryConnection(t *testing.T) {
	h := NewHub(quietLogger())
	a := NewClient("c1", "alice", "jti-1", 4)
	b := NewClient("c2", "alice", "jti-2", 4)
	h.Subscribe(a)
	h.Subscribe(b)

	h.Notify(context.Background(), session.Event{Kind: session.EventReplayDetected, UserID: "alice"})
	assert.True(t, recv(t, a).final)
	assert.True(t, recv(t, b).final)
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHub(quietLogger(), WithHubMetrics(reg))
	c := NewClient("c1", "alice", "jti-1", 1)
	h.Subscribe(c)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.connected))

	h.Notify(context.Background(), session.Event{Kind: session.EventLogout, UserID: "alice", TokenID: "other"})
	h.Notify(context.Background(), session.Event{Kind: session.EventLogout, UserID: "alice", TokenID: "other"})
	assert.Equal(t, 1.0, testutil.ToFloat64(h.dropped))

	select {
	case <-c.Done():
		t.Fatal("non-final drop must not close the client")
	default:
	}

	// A final notice that cannot be queued still ends the connection.
	h.Notify(context.Background(), session.Event{Kind: session.EventRevokedAll, UserID: "alice"})
	select {
	case <-c.Done():
	default:
		t.Fatal("expected client closed")
	}

	h.Unsubscribe("alice", "c1")
	assert.Equal(t, 0, h.Connections("alice"))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.connected))
}

func TestHub_UnsubscribeClosesClient(t *testing.T) {
	h := NewHub(quietLogger())
	c := NewClient("c1", "alice", "", 4)
	h.Subscribe(c)
	h.Unsubscribe("alice", "c1")
	h.Unsubscribe("alice", "c1")

	select {
	case <-c.Done():
	default:
		t.Fatal("expected client closed")
	}
	h.Notify(context.Background(), session.Event{Kind: session.EventRevokedAll, UserID: "alice"})
	assert.Empty(t, c.Send)
}

func TestRateLimiter_Window(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)
	assert.True(t, rl.Allow(now))
	assert.True(t, rl.Allow(now.Add(100*time.Millisecond)))
	assert.False(t, rl.Allow(now.Add(200*time.Millisecond)))
	assert.True(t, rl.Allow(now.Add(1100*time.Millisecond)))
}
