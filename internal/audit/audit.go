// Package audit delivers best-effort compliance events.
//
// Every grant/revoke and every Forbidden/RateLimited rejection produces an
// event. Delivery is fire-and-forget: a slow or failing sink must never block
// a session, so the async pipeline drops on overflow (surfaced via metrics)
// and swallows write failures after a bounded retry.
package audit

import (
	"context"
	"time"
)

// Actions recorded by the session core.
const (
	ActionGrant             = "perm.grant"
	ActionRevoke            = "perm.revoke"
	ActionRejectedForbidden = "session.rejected.forbidden"
	ActionRejectedRateLimit = "session.rejected.rate_limited"
	ActionRejectedHandshake = "session.rejected.handshake"
	ActionTokenIssued       = "token.issued"
)

// Event is one audit record.
type Event struct {
	Action    string
	SubjectID string
	RoomID    string
	At        time.Time
	Meta      map[string]any
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Writer is a synchronous backend behind an async Sink.
type Writer interface {
	Write(ctx context.Context, ev Event) error
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
