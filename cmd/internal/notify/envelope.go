package notify

import (
	"encoding/json"
	"time"

	"keeper/cmd/internal/auth/session"

	"github.com/oklog/ulid/v2"
)

// Version is the notice protocol version carried in every envelope.
const Version = 1

// Envelope types sent to clients. Session event types reuse session.EventKind.
const (
	TypeReady = "session.ready"
	TypePong  = "pong"
	TypeError = "error"

	typePing = "ping"
)

// Envelope is the wire frame. Payload is type specific.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadyPayload is sent once after the subscription is in place.
type ReadyPayload struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NoticePayload describes a session event.
type NoticePayload struct {
	UserID  string `json:"user_id"`
	TokenID string `json:"token_id,omitempty"`
}

// ErrorPayload reports a protocol problem to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(typ string, payload any, ts time.Time) Envelope {
	env := Envelope{
		V:    Version,
		Type: typ,
		ID:   ulid.Make().String(),
		TS:   ts,
	}
	if payload != nil {
		b, _ := json.Marshal(payload)
		env.Payload = b
	}
	return env
}

func noticeEnvelope(ev session.Event) Envelope {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return newEnvelope(string(ev.Kind), NoticePayload{UserID: ev.UserID, TokenID: ev.TokenID}, at)
}
