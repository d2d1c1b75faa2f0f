package realtime

import (
	"sync"

	v1 "tandem/contracts/session/v1"
	"tandem/internal/token"
)

// Client represents one connected session.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to avoid panics from
//     concurrent broadcasters.
//   - done signals goroutines to stop; Close is idempotent.
type Client struct {
	ConnectionID string
	SubjectID    string
	Claims       token.Claims

	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID string, claims token.Claims, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		SubjectID:    claims.SubjectID,
		Claims:       claims,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// TrySend enqueues env without blocking. It reports false when the client is
// shutting down or its queue is full.
func (c *Client) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
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

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
