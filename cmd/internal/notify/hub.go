package notify

import (
	"context"
	"log/slog"
	"sync"

	"keeper/cmd/internal/auth/session"

	"github.com/prometheus/client_golang/prometheus"
)

// Hub fans session events out to the connections of the affected user. It
// implements session.Notifier.
//
// Notify never blocks: a client whose queue is full misses the notice. A
// revoke-all or replay notice ends every connection of the user; a logout
// notice ends the connection opened with the logged-out access token.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client

	connected prometheus.Gauge
	dropped   prometheus.Counter
}

var _ session.Notifier = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubMetrics registers keeper_notify_connections and
// keeper_notify_dropped_total on reg.
func WithHubMetrics(reg prometheus.Registerer) HubOption {
	return func(h *Hub) {
		if reg == nil {
			return
		}
		h.connected = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keeper",
			Subsystem: "notify",
			Name:      "connections",
			Help:      "Open session notice connections.",
		})
		h.dropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Notices dropped because a client queue was full.",
		})
		reg.MustRegister(h.connected, h.dropped)
	}
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers client for its user's notices.
func (h *Hub) Subscribe(client *Client) {
	if h == nil || client == nil || client.UserID == "" || client.ConnID == "" {
		return
	}
	h.mu.Lock()
	conns, ok := h.users[client.UserID]
	if !ok {
		conns = make(map[string]*Client)
		h.users[client.UserID] = conns
	}
	conns[client.ConnID] = client
	h.mu.Unlock()

	if h.connected != nil {
		h.connected.Inc()
	}
	h.log.Info("notify.subscribe", "user_id", client.UserID, "conn_id", client.ConnID)
}

// Unsubscribe removes a connection and signals it to stop. Removal happens
// before Close so a concurrent Notify never holds a closing client.
func (h *Hub) Unsubscribe(userID, connID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	cl := h.users[userID][connID]
	if cl != nil {
		delete(h.users[userID], connID)
		if len(h.users[userID]) == 0 {
			delete(h.users, userID)
		}
	}
	h.mu.Unlock()

	if cl == nil {
		return
	}
	cl.Close()
	if h.connected != nil {
		h.connected.Dec()
	}
	h.log.Info("notify.unsubscribe", "user_id", userID, "conn_id", connID)
}

// Connections returns how many connections userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Notify delivers ev to every connection of ev.UserID.
func (h *Hub) Notify(_ context.Context, ev session.Event) {
	if h == nil || ev.UserID == "" {
		return
	}
	env := noticeEnvelope(ev)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.users[ev.UserID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		msg := outbound{env: env, final: endsConnection(ev, c)}
		select {
		case c.Send <- msg:
		default:
			if h.dropped != nil {
				h.dropped.Inc()
			}
			h.log.Warn("notify.drop", "user_id", ev.UserID, "conn_id", c.ConnID, "kind", string(ev.Kind))
			if msg.final {
				// The client cannot be told, but it must not outlive its session.
				c.Close()
			}
		}
	}
}

func endsConnection(ev session.Event, c *Client) bool {
	switch ev.Kind {
	case session.EventRevokedAll, session.EventReplayDetected:
		return true
	case session.EventLogout:
		return ev.TokenID != "" && ev.TokenID == c.TokenID
	default:
		return false
	}
}
