// Package v1 defines the Tandem session protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello carries the session token when it is not supplied at
	// connection establishment (client -> server, first frame).
	TypeHello = "hello"
	// TypeAuthorized acknowledges a completed handshake and carries the
	// initial presence snapshot (server -> client).
	TypeAuthorized = "authorized"

	// TypePresence carries a cursor/selection update (client -> server).
	TypePresence = "presence"
	// TypeUpdate carries an opaque content mutation (client -> server and
	// server -> room members).
	TypeUpdate = "update"
	// TypePing resets the idle-liveness timer without other effect.
	TypePing = "ping"

	// TypePresenceJoined announces a new room member (server -> members).
	TypePresenceJoined = "presence-joined"
	// TypePresenceUpdated carries another member's cursor delta (server -> members).
	TypePresenceUpdated = "presence-updated"
	// TypePresenceLeft announces a departure (server -> members).
	TypePresenceLeft = "presence-left"

	// TypeError is a typed rejection envelope (server -> client).
	TypeError = "error"
)

// Rejection reasons (wire-stable, see ErrorPayload.Reason).
const (
	ReasonTokenExpired     = "token_expired"
	ReasonTokenMalformed   = "token_malformed"
	ReasonRateLimited      = "rate_limited"
	ReasonForbidden        = "forbidden"
	ReasonNotFound         = "not_found"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonConflict         = "conflict"
	ReasonBadEnvelope      = "bad_envelope"
	ReasonInternal         = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	Subject string          `json:"subject_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypePresence, TypeUpdate:
		if len(e.Payload) == 0 {
			return fmt.Errorf("missing payload for type %q", e.Type)
		}
		return nil
	case TypePing,
		TypeAuthorized,
		TypePresenceJoined,
		TypePresenceUpdated,
		TypePresenceLeft,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// Cursor is a zero-based caret position within a document.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a half-open offset range within a document.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// HelloPayload supplies the session token as the first frame when it was not
// provided at connection establishment.
type HelloPayload struct {
	Token string `json:"token"`
}

// PresencePayload is a client cursor/selection update.
// Absent fields leave the corresponding state untouched.
type PresencePayload struct {
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// PresenceEntry is the wire form of a room member's ephemeral state.
type PresenceEntry struct {
	SubjectID    string     `json:"subject_id"`
	ConnectionID string     `json:"connection_id"`
	DisplayName  string     `json:"display_name"`
	Color        string     `json:"color"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
}

// AuthorizedPayload acknowledges the handshake and resynchronizes the client
// with the current room presence.
type AuthorizedPayload struct {
	ConnectionID string          `json:"connection_id"`
	SubjectID    string          `json:"subject_id"`
	Role         string          `json:"role"`
	Presence     []PresenceEntry `json:"presence"`
}

// PresenceUpdatedPayload is the delta broadcast for a member cursor move.
type PresenceUpdatedPayload struct {
	SubjectID    string     `json:"subject_id"`
	ConnectionID string     `json:"connection_id"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
}

// PresenceLeftPayload announces a member departure.
type PresenceLeftPayload struct {
	SubjectID    string `json:"subject_id"`
	ConnectionID string `json:"connection_id"`
}

// ErrorPayload is a typed rejection. It always carries enough structured
// detail for a client to back off or render an actionable message:
// ResetAt for rate limits, RequiredRole/ActualRole for permission failures.
type ErrorPayload struct {
	Reason       string     `json:"reason"`
	Detail       string     `json:"detail,omitempty"`
	ResetAt      *time.Time `json:"reset_at,omitempty"`
	RequiredRole string     `json:"required_role,omitempty"`
	ActualRole   string     `json:"actual_role,omitempty"`
}
