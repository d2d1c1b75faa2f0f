package presence

import (
	"errors"
	"testing"
	"time"
)

func TestHubStableHandles(t *testing.T) {
	hub := NewHub(testLog())

	r1 := hub.GetOrCreate("room-a")
	r2 := hub.GetOrCreate("room-a")
	if r1 != r2 {
		t.Fatal("expected stable room handle")
	}
	if hub.GetOrCreate("room-b") == r1 {
		t.Fatal("distinct rooms must get distinct handles")
	}
	if hub.Len() != 2 {
		t.Fatalf("len = %d, want 2", hub.Len())
	}
}

func TestHubReleaseOnlyEmptyRooms(t *testing.T) {
	hub := NewHub(testLog())
	now := time.Now().UTC()

	room := hub.GetOrCreate("room-a")
	room.Join(newChanReceiver(8), entryFor("alice", "c1", now))

	hub.Release("room-a")
	if hub.Len() != 1 {
		t.Fatal("occupied room must not be released")
	}

	room.Leave("c1")
	hub.Release("room-a")
	if hub.Len() != 0 {
		t.Fatal("empty room must be released")
	}

	if _, ok := hub.Snapshot("room-a"); ok {
		t.Fatal("released room must not snapshot")
	}
}

// A handle resolved before Release must not accept members afterwards,
// otherwise the member is Active on a room the hub no longer tracks and
// later joiners land on a divergent fresh allocation.
func TestHubJoinRetriesPastRelease(t *testing.T) {
	hub := NewHub(testLog())
	now := time.Now().UTC()

	stale := hub.GetOrCreate("room-a")
	stale.Join(newChanReceiver(8), entryFor("alice", "c1", now))
	stale.Leave("c1")
	hub.Release("room-a")

	if _, _, err := stale.Join(newChanReceiver(8), entryFor("bob", "c2", now)); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("join on released handle: err = %v, want ErrRoomClosed", err)
	}

	room, _, joined := hub.Join("room-a", newChanReceiver(8), entryFor("bob", "c2", now))
	if !joined {
		t.Fatal("hub join must register")
	}
	if room == stale {
		t.Fatal("hub join must resolve a fresh room, not the released handle")
	}

	entries, ok := hub.Snapshot("room-a")
	if !ok || len(entries) != 1 || entries[0].SubjectID != "bob" {
		t.Fatalf("hub snapshot must see the member: ok=%v entries=%+v", ok, entries)
	}
}
