// Package docstore is the boundary to the external document store.
//
// The document store owns room existence and content; the session core only
// consumes the permission map and forwards authorized content updates. Both a
// Postgres-backed implementation and an in-memory one (dev, tests) are
// provided.
package docstore

import (
	"context"
	"encoding/json"
	"errors"

	"tandem/internal/perm"
)

// ErrRoomExists is returned when creating a room whose ID is already taken.
var ErrRoomExists = errors.New("docstore: room already exists")

// Store is the consumed document-store interface.
//
// It deliberately satisfies perm.ACLSource and perm.GrantStore so the
// permission registry can load and write through without knowing the backend.
type Store interface {
	// CreateRoom registers a room with its owning subject.
	CreateRoom(ctx context.Context, roomID, ownerSubjectID string) error

	// RoomACL returns the room's owner and permission map.
	// Returns perm.ErrRoomNotFound for unknown rooms.
	RoomACL(ctx context.Context, roomID string) (perm.ACL, error)

	// SaveGrant upserts a permission-map entry.
	SaveGrant(ctx context.Context, roomID, subjectID string, role perm.Role) error

	// DeleteGrant removes a permission-map entry.
	DeleteGrant(ctx context.Context, roomID, subjectID string) error

	// ApplyUpdate appends an authorized content mutation. The payload is
	// opaque to the session core and forwarded verbatim.
	ApplyUpdate(ctx context.Context, roomID string, payload json.RawMessage) error

	Close() error
}
