// Package presence maintains ephemeral shared-awareness state for live rooms:
// who is connected and where their cursor/selection is. Nothing here is ever
// persisted; entries live and die with their connection.
package presence

import (
	"time"

	v1 "tandem/contracts/session/v1"
)

// Entry is one live connection's awareness state. A subject connected from
// multiple devices holds one independent entry per connection.
type Entry struct {
	RoomID       string
	SubjectID    string
	ConnectionID string
	DisplayName  string
	Color        string
	Cursor       *v1.Cursor
	Selection    *v1.Selection
	ConnectedAt  time.Time
	LastSeenAt   time.Time
}

// Wire converts the entry to its protocol representation.
func (e Entry) Wire() v1.PresenceEntry {
	return v1.PresenceEntry{
		SubjectID:    e.SubjectID,
		ConnectionID: e.ConnectionID,
		DisplayName:  e.DisplayName,
		Color:        e.Color,
		Cursor:       e.Cursor,
		Selection:    e.Selection,
		ConnectedAt:  e.ConnectedAt,
		LastSeenAt:   e.LastSeenAt,
	}
}

// Receiver is the outbound side of a connection. TrySend must never block:
// it reports false when the receiver is shutting down or its queue is full.
type Receiver interface {
	TrySend(env v1.Envelope) bool
	Done() <-chan struct{}
}
