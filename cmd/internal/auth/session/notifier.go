package session

import (
	"context"
	"time"
)

// EventKind identifies a session lifecycle notice.
type EventKind string

const (
	EventLogout         EventKind = "session.logout"
	EventRevokedAll     EventKind = "session.revoked_all"
	EventReplayDetected EventKind = "session.replay_detected"
)

// Event is emitted after a revocation has been committed.
type Event struct {
	Kind    EventKind
	UserID  string
	TokenID string // access token jti, when one was blacklisted
	At      time.Time
}

// Notifier receives lifecycle events. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}
