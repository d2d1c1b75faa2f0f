package perm

import (
	"context"
	"strings"
	"sync"
)

// ACL is a room's permission state as loaded from the document store.
type ACL struct {
	Owner  string
	Grants map[string]Role
}

// ACLSource loads a room's permission map from the external document store.
type ACLSource interface {
	RoomACL(ctx context.Context, roomID string) (ACL, error)
}

// GrantStore persists permission-map mutations back to the document store.
type GrantStore interface {
	SaveGrant(ctx context.Context, roomID, subjectID string, role Role) error
	DeleteGrant(ctx context.Context, roomID, subjectID string) error
}

// DefaultPolicy decides the effective role of a subject with no explicit
// permission-map entry.
type DefaultPolicy int

const (
	// PolicyDefaultViewer grants implicit read-only access.
	PolicyDefaultViewer DefaultPolicy = iota
	// PolicyDenyUnknown yields RoleNone for unknown subjects.
	PolicyDenyUnknown
)

// ParseDefaultPolicy maps config strings to a DefaultPolicy, defaulting to
// implicit viewer for unrecognized input.
func ParseDefaultPolicy(s string) DefaultPolicy {
	if strings.EqualFold(strings.TrimSpace(s), "deny") {
		return PolicyDenyUnknown
	}
	return PolicyDefaultViewer
}

// Registry resolves and mutates per-room permissions.
//
// Each room's ACL is guarded by its own RWMutex so that authorization checks
// for unrelated rooms never contend. Mutations are applied atomically with
// respect to concurrent Authorize calls for the same room: a revoked
// subject's in-flight message fails its next check.
type Registry struct {
	policy DefaultPolicy
	source ACLSource
	store  GrantStore

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	mu     sync.RWMutex
	loaded bool
	owner  string
	grants map[string]Role
}

// NewRegistry constructs a Registry. source is required; store may be nil
// when the backing document store is read-only from this process.
func NewRegistry(source ACLSource, store GrantStore, policy DefaultPolicy) *Registry {
	return &Registry{
		policy: policy,
		source: source,
		store:  store,
		rooms:  make(map[string]*roomState),
	}
}

// room returns the cached per-room state, loading the ACL on first access.
// Load failures drop the placeholder so the next call retries.
func (r *Registry) room(ctx context.Context, roomID string) (*roomState, error) {
	r.mu.Lock()
	st, ok := r.rooms[roomID]
	if !ok {
		st = &roomState{}
		r.rooms[roomID] = st
	}
	r.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.loaded {
		return st, nil
	}

	acl, err := r.source.RoomACL(ctx, roomID)
	if err != nil {
		r.mu.Lock()
		if cur, ok := r.rooms[roomID]; ok && cur == st && !st.loaded {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		return nil, err
	}

	st.owner = acl.Owner
	st.grants = make(map[string]Role, len(acl.Grants))
	for sub, role := range acl.Grants {
		st.grants[sub] = role
	}
	st.loaded = true
	return st, nil
}

// Invalidate drops a room's cached ACL (e.g. the room was deleted upstream).
func (r *Registry) Invalidate(roomID string) {
	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()
}

// effectiveRoleLocked resolves a subject's role. Caller holds st.mu.
func (r *Registry) effectiveRoleLocked(st *roomState, subjectID string) Role {
	if subjectID != "" && subjectID == st.owner {
		return RoleOwner
	}
	if role, ok := st.grants[subjectID]; ok {
		return role
	}
	if r.policy == PolicyDenyUnknown {
		return RoleNone
	}
	return RoleViewer
}

// EffectiveRole returns the subject's resolved role for the room.
func (r *Registry) EffectiveRole(ctx context.Context, roomID, subjectID string) (Role, error) {
	st, err := r.room(ctx, roomID)
	if err != nil {
		return RoleNone, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	return r.effectiveRoleLocked(st, subjectID), nil
}

// Authorize reports whether the subject holds at least the required role.
// The actual role is returned for client-facing rejection detail.
func (r *Registry) Authorize(ctx context.Context, roomID, subjectID string, required Role) (bool, Role, error) {
	st, err := r.room(ctx, roomID)
	if err != nil {
		return false, RoleNone, err
	}

	st.mu.RLock()
	actual := r.effectiveRoleLocked(st, subjectID)
	st.mu.RUnlock()

	return actual.HasAtLeast(required), actual, nil
}

// Grant upserts targetID's role. Only an Owner may grant, and the room owner
// cannot be demoted below Owner (the owner record always counts as an owner,
// so the room can never reach zero owners).
func (r *Registry) Grant(ctx context.Context, roomID, actorID, targetID string, role Role) error {
	if role < RoleViewer || role > RoleOwner {
		return ErrForbidden
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return ErrNotFound
	}

	st, err := r.room(ctx, roomID)
	if err != nil {
		return err
	}

	// Grants are rare compared to Authorize, so the write lock is held
	// across the write-through to keep cache and store consistent.
	st.mu.Lock()
	defer st.mu.Unlock()

	actual := r.effectiveRoleLocked(st, actorID)
	if actual != RoleOwner {
		return ForbiddenError{Required: RoleOwner, Actual: actual}
	}

	if targetID == st.owner {
		if role != RoleOwner {
			return ErrLastOwner
		}
		// The owner record is already an Owner; nothing to persist.
		return nil
	}

	if r.store != nil {
		if err := r.store.SaveGrant(ctx, roomID, targetID, role); err != nil {
			return err
		}
	}
	st.grants[targetID] = role
	return nil
}

// Revoke removes targetID's explicit entry, reverting them to the default
// policy. Same authorization as Grant; the room owner cannot be revoked.
func (r *Registry) Revoke(ctx context.Context, roomID, actorID, targetID string) error {
	st, err := r.room(ctx, roomID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	actual := r.effectiveRoleLocked(st, actorID)
	if actual != RoleOwner {
		return ForbiddenError{Required: RoleOwner, Actual: actual}
	}

	if targetID == st.owner {
		return ErrLastOwner
	}
	if _, ok := st.grants[targetID]; !ok {
		return ErrNotFound
	}

	if r.store != nil {
		if err := r.store.DeleteGrant(ctx, roomID, targetID); err != nil {
			return err
		}
	}
	delete(st.grants, targetID)
	return nil
}
