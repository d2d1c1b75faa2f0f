package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memWriter struct {
	mu     sync.Mutex
	events []Event
	fail   int // number of initial writes to fail
}

func (w *memWriter) Write(_ context.Context, ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("sink unavailable")
	}
	w.events = append(w.events, ev)
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAsyncDelivers(t *testing.T) {
	w := &memWriter{}
	a := NewAsync(testLog(), w, 16)

	a.Record(context.Background(), Event{Action: ActionGrant, SubjectID: "alice", RoomID: "r1"})
	a.Record(context.Background(), Event{Action: ActionRejectedForbidden, SubjectID: "bob", RoomID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if w.count() != 2 {
		t.Fatalf("delivered %d events, want 2", w.count())
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.events[0].At.IsZero() {
		t.Fatal("timestamp must be filled in")
	}
}

func TestAsyncRetriesThenSucceeds(t *testing.T) {
	w := &memWriter{fail: 1}
	a := NewAsync(testLog(), w, 16)

	a.Record(context.Background(), Event{Action: ActionRevoke})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if w.count() != 1 {
		t.Fatalf("expected retry to deliver the event, got %d", w.count())
	}
}

func TestAsyncSwallowsPersistentFailure(t *testing.T) {
	w := &memWriter{fail: 100}
	a := NewAsync(testLog(), w, 16)

	// Must not panic, block, or surface the failure.
	a.Record(context.Background(), Event{Action: ActionRejectedRateLimit})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.count() != 0 {
		t.Fatalf("expected no deliveries, got %d", w.count())
	}
}

func TestRecordNeverBlocksOnOverflow(t *testing.T) {
	// A writer that never completes, with a queue of one.
	block := make(chan struct{})
	defer close(block)
	w := blockingWriter{ch: block}
	a := NewAsync(testLog(), w, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			a.Record(context.Background(), Event{Action: ActionGrant})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a saturated queue")
	}
}

func TestRecordAfterCloseDropsSafely(t *testing.T) {
	w := &memWriter{}
	a := NewAsync(testLog(), w, 16)

	a.Record(context.Background(), Event{Action: ActionGrant, SubjectID: "alice", RoomID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Hijacked WebSocket sessions outlive http.Server.Shutdown, so late
	// records happen on every real shutdown. They must drop, not panic.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			a.Record(context.Background(), Event{Action: ActionRejectedForbidden, SubjectID: "bob", RoomID: "r1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked after Close")
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if w.count() != 1 {
		t.Fatalf("delivered %d events, want only the pre-close one", w.count())
	}
}

type blockingWriter struct{ ch chan struct{} }

func (w blockingWriter) Write(ctx context.Context, _ Event) error {
	select {
	case <-w.ch:
	case <-ctx.Done():
	}
	return errors.New("blocked")
}
