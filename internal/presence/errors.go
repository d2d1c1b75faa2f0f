package presence

import "errors"

// ErrNotFound is returned when a mutation targets a connection that is not
// (or no longer) registered in the room.
var ErrNotFound = errors.New("presence: entry not found")

// ErrRoomClosed is returned by Join when the room handle was sealed by a
// concurrent Release. The caller must re-resolve the room through the Hub.
var ErrRoomClosed = errors.New("presence: room closed")
