package presence

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "tandem/contracts/session/v1"
	"tandem/internal/ids"
)

// Room is the per-room membership table plus broadcast fanout.
//
// Concurrency guarantees:
//   - Join/Leave are safe under concurrent broadcasts.
//   - Broadcasts never block: a slow member's envelope is dropped (and
//     counted) rather than back-pressuring the whole room.
//   - Per-sender ordering is preserved because each connection mutates and
//     broadcasts from a single goroutine; receiver queues are FIFO.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*member
	closed  bool
}

type member struct {
	recv  Receiver
	entry Entry
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*member),
	}
}

// Join registers a connection's entry. Registration of an already registered
// connection is a no-op returning the existing entry (joined=false), so a
// retried handshake never double-counts in Snapshot. Joining a room that a
// concurrent Release has sealed fails with ErrRoomClosed; Hub.Join retries
// with a fresh handle so a member can never register on a room the Hub no
// longer tracks.
// Side effect: other members receive a presence-joined broadcast.
func (r *Room) Join(recv Receiver, e Entry) (Entry, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Entry{}, false, ErrRoomClosed
	}
	if existing, ok := r.members[e.ConnectionID]; ok {
		out := existing.entry
		r.mu.Unlock()
		return out, false, nil
	}
	e.RoomID = r.ID
	r.members[e.ConnectionID] = &member{recv: recv, entry: e}
	r.mu.Unlock()

	roomMembers.Inc()
	r.log.Info("presence.join", "room_id", r.ID, "subject_id", e.SubjectID, "connection_id", e.ConnectionID)

	payload, _ := json.Marshal(e.Wire())
	r.broadcast(e.ConnectionID, r.envelope(v1.TypePresenceJoined, e.SubjectID, payload))
	return e, true, nil
}

// UpdateCursor mutates the entry owned by connectionID and broadcasts the
// delta (not the full snapshot) to the other members.
func (r *Room) UpdateCursor(connectionID string, cursor *v1.Cursor, selection *v1.Selection, now time.Time) (Entry, error) {
	r.mu.Lock()
	m, ok := r.members[connectionID]
	if !ok {
		r.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	if cursor != nil {
		c := *cursor
		m.entry.Cursor = &c
	}
	if selection != nil {
		s := *selection
		m.entry.Selection = &s
	}
	m.entry.LastSeenAt = now
	out := m.entry
	r.mu.Unlock()

	payload, _ := json.Marshal(v1.PresenceUpdatedPayload{
		SubjectID:    out.SubjectID,
		ConnectionID: out.ConnectionID,
		Cursor:       out.Cursor,
		Selection:    out.Selection,
	})
	r.broadcast(connectionID, r.envelope(v1.TypePresenceUpdated, out.SubjectID, payload))
	return out, nil
}

// Touch refreshes the liveness timestamp without broadcasting.
func (r *Room) Touch(connectionID string, now time.Time) {
	r.mu.Lock()
	if m, ok := r.members[connectionID]; ok {
		m.entry.LastSeenAt = now
	}
	r.mu.Unlock()
}

// Forward fans a content update out to every member except the sender.
// The payload is opaque and passed through verbatim.
func (r *Room) Forward(connectionID, subjectID string, payload json.RawMessage) {
	r.broadcast(connectionID, r.envelope(v1.TypeUpdate, subjectID, payload))
}

// Leave removes the entry and broadcasts the departure. It reports whether an
// entry was actually removed (false for an already-gone connection, so
// concurrent teardown paths stay idempotent).
func (r *Room) Leave(connectionID string) (Entry, bool) {
	r.mu.Lock()
	m, ok := r.members[connectionID]
	if !ok {
		r.mu.Unlock()
		return Entry{}, false
	}
	delete(r.members, connectionID)
	out := m.entry
	r.mu.Unlock()

	roomMembers.Dec()
	r.log.Info("presence.leave", "room_id", r.ID, "subject_id", out.SubjectID, "connection_id", connectionID)

	payload, _ := json.Marshal(v1.PresenceLeftPayload{
		SubjectID:    out.SubjectID,
		ConnectionID: connectionID,
	})
	r.broadcast(connectionID, r.envelope(v1.TypePresenceLeft, out.SubjectID, payload))
	return out, true
}

// Snapshot returns all live entries, ordered by join time. Used to
// resynchronize a client after (re)connect.
func (r *Room) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// Empty reports whether the room has no members left.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// seal closes the room iff it is empty, reporting whether it did. A sealed
// room rejects all later Joins. Called by Hub.Release while the Hub lock is
// held, so the seal and the map removal are atomic with respect to Hub.Join.
func (r *Room) seal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) envelope(typ, subjectID string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		RoomID:  r.ID,
		Subject: subjectID,
		TS:      now,
		Payload: payload,
	}
}

// broadcast fans env out to all members except the sender. Non-blocking: a
// member whose queue is full or who is shutting down is skipped and counted.
func (r *Room) broadcast(exceptConnectionID string, env v1.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if id == exceptConnectionID || m == nil {
			continue
		}

		select {
		case <-m.recv.Done():
			continue
		default:
		}

		if !m.recv.TrySend(env) {
			broadcastDropped.WithLabelValues(env.Type).Inc()
			r.log.Warn("presence.broadcast.drop",
				"room_id", r.ID,
				"type", env.Type,
				"connection_id", id,
			)
		}
	}
}
