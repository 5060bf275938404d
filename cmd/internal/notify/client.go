package notify

import "sync"

// outbound is one queued frame. final frames end the connection once written.
type outbound struct {
	env   Envelope
	final bool
}

// Client is one subscribed websocket connection.
//
// Send is never closed by the server so concurrent broadcasters cannot panic.
// Close is idempotent.
type Client struct {
	ConnID  string
	UserID  string
	TokenID string
	Send    chan outbound

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID, userID, tokenID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 16
	}
	return &Client{
		ConnID:  connID,
		UserID:  userID,
		TokenID: tokenID,
		Send:    make(chan outbound, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
