package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"tandem/internal/perm"
)

const memMaxUpdatesPerRoom = 10_000

// InMemoryStore is the dev/test fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	owner   string
	grants  map[string]perm.Role
	updates []json.RawMessage
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rooms: make(map[string]*memRoom)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateRoom registers a room. Creating an existing room is an error.
func (s *InMemoryStore) CreateRoom(ctx context.Context, roomID, ownerSubjectID string) error {
	if roomID == "" || ownerSubjectID == "" {
		return errors.New("docstore: invalid room input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; ok {
		return ErrRoomExists
	}
	s.rooms[roomID] = &memRoom{
		owner:  ownerSubjectID,
		grants: make(map[string]perm.Role),
	}
	return nil
}

// RoomACL returns a copy of the room's permission state.
func (s *InMemoryStore) RoomACL(ctx context.Context, roomID string) (perm.ACL, error) {
	if err := ctx.Err(); err != nil {
		return perm.ACL{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return perm.ACL{}, perm.ErrRoomNotFound
	}

	grants := make(map[string]perm.Role, len(r.grants))
	for sub, role := range r.grants {
		grants[sub] = role
	}
	return perm.ACL{Owner: r.owner, Grants: grants}, nil
}

// SaveGrant upserts a permission-map entry.
func (s *InMemoryStore) SaveGrant(ctx context.Context, roomID, subjectID string, role perm.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return perm.ErrRoomNotFound
	}
	r.grants[subjectID] = role
	return nil
}

// DeleteGrant removes a permission-map entry.
func (s *InMemoryStore) DeleteGrant(ctx context.Context, roomID, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return perm.ErrRoomNotFound
	}
	delete(r.grants, subjectID)
	return nil
}

// ApplyUpdate appends an opaque content mutation.
func (s *InMemoryStore) ApplyUpdate(ctx context.Context, roomID string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.New("docstore: empty payload")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return perm.ErrRoomNotFound
	}

	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	r.updates = append(r.updates, cp)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.updates) > memMaxUpdatesPerRoom {
		r.updates = r.updates[len(r.updates)-memMaxUpdatesPerRoom:]
	}
	return nil
}

// Updates returns the stored updates for a room (test helper).
func (s *InMemoryStore) Updates(roomID string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]json.RawMessage(nil), r.updates...)
}
