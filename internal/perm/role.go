// Package perm implements room-scoped roles and the permission model.
//
// Roles form a total order (Owner > Editor > Viewer). A subject's effective
// role for a room is resolved from the room's permission map; subjects with
// no entry fall back to a configurable default policy.
package perm

import (
	"fmt"
	"strings"
)

// Role is a room-scoped permission level forming a total order.
type Role int

const (
	// RoleNone means no access. It is only produced by the deny-unknown
	// default policy; it cannot be granted explicitly.
	RoleNone Role = 0

	RoleViewer Role = 1
	RoleEditor Role = 2
	RoleOwner  Role = 3
)

// HasAtLeast reports whether r satisfies the required level.
func (r Role) HasAtLeast(required Role) bool {
	return r >= required
}

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses a grantable role name. "none" is intentionally rejected:
// removing access is a revoke, not a grant.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "owner":
		return RoleOwner, nil
	default:
		return RoleNone, fmt.Errorf("unknown role: %q", s)
	}
}
