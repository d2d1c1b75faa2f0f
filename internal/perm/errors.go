package perm

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound is returned when the backing store knows no such room.
	ErrRoomNotFound = errors.New("perm: room not found")

	// ErrForbidden is returned when the acting subject lacks the role
	// required for an operation.
	ErrForbidden = errors.New("perm: forbidden")

	// ErrLastOwner is returned when a grant or revoke would leave a room
	// with zero owners.
	ErrLastOwner = errors.New("perm: room must retain at least one owner")

	// ErrNotFound is returned when revoking a subject with no explicit entry.
	ErrNotFound = errors.New("perm: no such grant")
)

// ForbiddenError carries the role gap for client-facing rejections.
type ForbiddenError struct {
	Required Role
	Actual   Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%v: required=%s actual=%s", ErrForbidden, e.Required, e.Actual)
}

func (e ForbiddenError) Unwrap() error { return ErrForbidden }
