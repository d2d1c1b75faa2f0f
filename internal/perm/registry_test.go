package perm

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeACLStore struct {
	mu    sync.Mutex
	rooms map[string]ACL

	saveErr error
	loads   int
}

func newFakeACLStore() *fakeACLStore {
	return &fakeACLStore{rooms: make(map[string]ACL)}
}

func (f *fakeACLStore) put(roomID, owner string, grants map[string]Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(map[string]Role, len(grants))
	for k, v := range grants {
		g[k] = v
	}
	f.rooms[roomID] = ACL{Owner: owner, Grants: g}
}

func (f *fakeACLStore) RoomACL(_ context.Context, roomID string) (ACL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	acl, ok := f.rooms[roomID]
	if !ok {
		return ACL{}, ErrRoomNotFound
	}
	return acl, nil
}

func (f *fakeACLStore) SaveGrant(_ context.Context, roomID, subjectID string, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	acl := f.rooms[roomID]
	acl.Grants[subjectID] = role
	return nil
}

func (f *fakeACLStore) DeleteGrant(_ context.Context, roomID, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[roomID].Grants, subjectID)
	return nil
}

func TestEffectiveRoleResolution(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", map[string]Role{"bob": RoleEditor})

	reg := NewRegistry(store, store, PolicyDefaultViewer)

	cases := []struct {
		subject string
		want    Role
	}{
		{"alice", RoleOwner},
		{"bob", RoleEditor},
		{"mallory", RoleViewer}, // implicit default
	}
	for _, tc := range cases {
		got, err := reg.EffectiveRole(ctx, "r1", tc.subject)
		if err != nil {
			t.Fatalf("EffectiveRole(%s): %v", tc.subject, err)
		}
		if got != tc.want {
			t.Fatalf("EffectiveRole(%s) = %s, want %s", tc.subject, got, tc.want)
		}
	}
}

func TestDenyUnknownPolicy(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", nil)

	reg := NewRegistry(store, store, PolicyDenyUnknown)

	ok, actual, err := reg.Authorize(ctx, "r1", "stranger", RoleViewer)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if ok || actual != RoleNone {
		t.Fatalf("expected denial for unknown subject, got ok=%v role=%s", ok, actual)
	}
}

func TestUnknownRoom(t *testing.T) {
	reg := NewRegistry(newFakeACLStore(), nil, PolicyDefaultViewer)

	_, _, err := reg.Authorize(context.Background(), "nope", "alice", RoleViewer)
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestACLLoadedOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", nil)

	reg := NewRegistry(store, store, PolicyDefaultViewer)
	for range 5 {
		if _, err := reg.EffectiveRole(ctx, "r1", "alice"); err != nil {
			t.Fatalf("effective role: %v", err)
		}
	}

	store.mu.Lock()
	loads := store.loads
	store.mu.Unlock()
	if loads != 1 {
		t.Fatalf("expected 1 ACL load, got %d", loads)
	}
}

func TestGrantRequiresOwner(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", map[string]Role{"bob": RoleEditor})

	reg := NewRegistry(store, store, PolicyDefaultViewer)

	err := reg.Grant(ctx, "r1", "bob", "carol", RoleEditor)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for editor actor, got %v", err)
	}

	var fe ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %T", err)
	}
	if fe.Required != RoleOwner || fe.Actual != RoleEditor {
		t.Fatalf("unexpected role gap: %+v", fe)
	}

	if err := reg.Grant(ctx, "r1", "alice", "carol", RoleEditor); err != nil {
		t.Fatalf("owner grant: %v", err)
	}
	role, err := reg.EffectiveRole(ctx, "r1", "carol")
	if err != nil || role != RoleEditor {
		t.Fatalf("carol after grant: role=%s err=%v", role, err)
	}
}

func TestLastOwnerInvariant(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", map[string]Role{"bob": RoleOwner})

	reg := NewRegistry(store, store, PolicyDefaultViewer)

	// The owner record can never be demoted or revoked.
	if err := reg.Grant(ctx, "r1", "alice", "alice", RoleEditor); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("expected ErrLastOwner on owner demotion, got %v", err)
	}
	if err := reg.Revoke(ctx, "r1", "bob", "alice"); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("expected ErrLastOwner on owner revoke, got %v", err)
	}

	// A granted owner may be demoted; the owner record still remains.
	if err := reg.Grant(ctx, "r1", "alice", "bob", RoleViewer); err != nil {
		t.Fatalf("demote granted owner: %v", err)
	}
	role, err := reg.EffectiveRole(ctx, "r1", "bob")
	if err != nil || role != RoleViewer {
		t.Fatalf("bob after demotion: role=%s err=%v", role, err)
	}
}

func TestRevokeTakesEffectOnNextCheck(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", map[string]Role{"dave": RoleEditor})

	reg := NewRegistry(store, store, PolicyDenyUnknown)

	ok, _, err := reg.Authorize(ctx, "r1", "dave", RoleEditor)
	if err != nil || !ok {
		t.Fatalf("pre-revoke authorize: ok=%v err=%v", ok, err)
	}

	if err := reg.Revoke(ctx, "r1", "alice", "dave"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	ok, actual, err := reg.Authorize(ctx, "r1", "dave", RoleEditor)
	if err != nil {
		t.Fatalf("post-revoke authorize: %v", err)
	}
	if ok || actual != RoleNone {
		t.Fatalf("revocation not visible: ok=%v role=%s", ok, actual)
	}
}

func TestRevokeMissingGrant(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", nil)

	reg := NewRegistry(store, store, PolicyDefaultViewer)
	if err := reg.Revoke(ctx, "r1", "alice", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGrantPersistFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	store.put("r1", "alice", nil)

	reg := NewRegistry(store, store, PolicyDenyUnknown)
	if _, err := reg.EffectiveRole(ctx, "r1", "alice"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	store.mu.Lock()
	store.saveErr = errors.New("db down")
	store.mu.Unlock()

	if err := reg.Grant(ctx, "r1", "alice", "carol", RoleEditor); err == nil {
		t.Fatal("expected persist failure")
	}
	role, err := reg.EffectiveRole(ctx, "r1", "carol")
	if err != nil || role != RoleNone {
		t.Fatalf("cache mutated despite persist failure: role=%s err=%v", role, err)
	}
}

func TestConcurrentAuthorizeAndRevoke(t *testing.T) {
	ctx := context.Background()
	store := newFakeACLStore()
	grants := map[string]Role{}
	for _, s := range []string{"s0", "s1", "s2", "s3"} {
		grants[s] = RoleEditor
	}
	store.put("r1", "alice", grants)

	reg := NewRegistry(store, store, PolicyDenyUnknown)

	var wg sync.WaitGroup
	for _, s := range []string{"s0", "s1", "s2", "s3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, _, _ = reg.Authorize(ctx, "r1", s, RoleEditor)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, s := range []string{"s0", "s1", "s2", "s3"} {
			_ = reg.Revoke(ctx, "r1", "alice", s)
		}
	}()
	wg.Wait()

	for _, s := range []string{"s0", "s1", "s2", "s3"} {
		ok, _, err := reg.Authorize(ctx, "r1", s, RoleEditor)
		if err != nil {
			t.Fatalf("final authorize: %v", err)
		}
		if ok {
			t.Fatalf("%s still authorized after revoke", s)
		}
	}
}
