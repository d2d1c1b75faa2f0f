// Package realtime is the WebSocket session gateway: handshake, per-message
// authorization, liveness, and fanout wiring for live rooms.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	v1 "tandem/contracts/session/v1"
	"tandem/internal/audit"
	"tandem/internal/docstore"
	"tandem/internal/envcfg"
	"tandem/internal/ids"
	"tandem/internal/perm"
	"tandem/internal/presence"
	"tandem/internal/ratelimit"
	"tandem/internal/token"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "tandem.session.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout    = 5 * time.Second
	wsDefaultReadIdle        = 2 * time.Minute
	wsDefaultHandshakeWindow = 10 * time.Second
	wsCloseGrace             = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Deps are the collaborators a Gateway routes through. Zero-value fields fall
// back to in-process implementations suitable for dev and tests.
type Deps struct {
	Tokens token.Verifier
	Perms  *perm.Registry
	Limits *ratelimit.Registry
	Hub    *presence.Hub
	Docs   docstore.Store
	Audit  audit.Sink
}

// Gateway is the WebSocket entrypoint for Tandem sessions.
//
// It enforces origin policy, subprotocol selection, the token-then-rate-then-
// role handshake pipeline, per-message re-authorization, heartbeats, and idle
// eviction, and routes validated envelopes to the presence hub and the
// document store.
type Gateway struct {
	log    *slog.Logger
	tokens token.Verifier
	perms  *perm.Registry
	limits *ratelimit.Registry
	hub    *presence.Hub
	docs   docstore.Store
	audit  audit.Sink

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	handshakeWindow time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatMaxWait time.Duration
	tokenRecheck     time.Duration
}

// NewGateway constructs a gateway with secure defaults.
// Nil dependencies (except Tokens and Perms, which the caller owns) fall back
// to in-memory implementations for dev.
func NewGateway(log *slog.Logger, deps Deps) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Hub == nil {
		deps.Hub = presence.NewHub(log)
	}
	if deps.Docs == nil {
		deps.Docs = docstore.NewInMemoryStore()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewRegistry(ratelimit.DefaultConfig())
	}
	if deps.Perms == nil {
		deps.Perms = perm.NewRegistry(deps.Docs, deps.Docs, perm.PolicyDefaultViewer)
	}
	if deps.Tokens == nil {
		svc, err := token.NewPasetoV4Service(token.DefaultConfig(), log)
		if err != nil {
			panic(fmt.Sprintf("realtime: fallback token service: %v", err))
		}
		deps.Tokens = svc
	}

	g := &Gateway{
		log:    log,
		tokens: deps.Tokens,
		perms:  deps.Perms,
		limits: deps.Limits,
		hub:    deps.Hub,
		docs:   deps.Docs,
		audit:  deps.Audit,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envcfg.Bool("TANDEM_WS_DEV_INSECURE", false)

	g.originRequired = envcfg.Bool("TANDEM_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envcfg.CSV("TANDEM_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns. Derive the patterns from the
	// allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envcfg.Duration("TANDEM_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envcfg.Duration("TANDEM_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.handshakeWindow = envcfg.Duration("TANDEM_WS_HANDSHAKE_TIMEOUT", wsDefaultHandshakeWindow)

	g.sendQueueSize = envcfg.Int("TANDEM_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envcfg.Duration("TANDEM_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatMaxWait = envcfg.Duration("TANDEM_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)
	g.tokenRecheck = envcfg.Duration("TANDEM_WS_TOKEN_RECHECK", tokenRecheckInterval)

	return g
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs it
// through the handshake pipeline and the message loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	roomID := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	// A bearer token, when present, is verified before the upgrade so a bad
	// credential costs one HTTP response instead of a socket.
	var (
		claims   token.Claims
		rawToken string
		hasToken bool
	)
	if raw := bearerToken(r); raw != "" {
		c, err := g.tokens.Verify(raw, time.Now().UTC())
		if err != nil {
			reason := tokenReason(err)
			g.log.Info("ws.reject.token", "reason", reason, "room_id", roomID)
			g.auditReject(r.Context(), audit.ActionRejectedHandshake, "", roomID, map[string]any{"reason": reason})
			rejectionsTotal.WithLabelValues(reason).Inc()
			http.Error(w, reason, http.StatusUnauthorized)
			return
		}
		claims, rawToken, hasToken = c, raw, true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !hasToken {
		claims, rawToken, err = g.awaitHello(ctx, conn, roomID)
		if err != nil {
			return
		}
	}

	now := time.Now().UTC()

	if d := g.limits.Check(claims.SubjectID, ratelimit.ClassConnect, now); !d.Allowed {
		reset := d.ResetAt
		g.rejectDirect(ctx, conn, roomID, v1.ErrorPayload{
			Reason:  v1.ReasonRateLimited,
			Detail:  "connection quota exhausted",
			ResetAt: &reset,
		}, websocket.StatusPolicyViolation, "rate limited")
		g.auditReject(ctx, audit.ActionRejectedRateLimit, claims.SubjectID, roomID, map[string]any{"class": string(ratelimit.ClassConnect)})
		return
	}

	role, ok := g.admit(ctx, conn, roomID, claims)
	if !ok {
		return
	}

	connectionID := ids.MustULID(now)
	client := NewClient(connectionID, claims, g.sendQueueSize)

	// Hub.Join resolves the room and registers in one step, so a concurrent
	// Release of an emptied room cannot strand this member on an orphaned
	// handle. Broadcasts queue on client.Send until the writer starts.
	room, _, _ := g.hub.Join(roomID, client, presence.Entry{
		RoomID:       roomID,
		SubjectID:    claims.SubjectID,
		ConnectionID: connectionID,
		DisplayName:  claims.DisplayName,
		Color:        presence.ColorFor(claims.SubjectID),
		ConnectedAt:  now,
		LastSeenAt:   now,
	})

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Membership removal happens before client.Close so broadcasters never
	// race a closing client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if _, left := room.Leave(connectionID); left && room.Empty() {
				g.hub.Release(roomID)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			activeConnections.Dec()
		})
	}
	activeConnections.Inc()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connectionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatMaxWait)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connectionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Expiry must surface mid-session, not only at the next handshake.
	go func() {
		t := time.NewTicker(g.tokenRecheck)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				if _, err := g.tokens.Verify(rawToken, time.Now().UTC()); err != nil {
					g.trySendError(ctx, client, roomID, v1.ErrorPayload{
						Reason: tokenReason(err),
						Detail: "session credential is no longer valid",
					})
					shutdown(websocket.StatusPolicyViolation, "token invalid")
					return
				}
			}
		}
	}()

	ackPayload, _ := json.Marshal(v1.AuthorizedPayload{
		ConnectionID: connectionID,
		SubjectID:    claims.SubjectID,
		Role:         role.String(),
		Presence:     wirePresence(room.Snapshot()),
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeAuthorized, roomID, ackPayload, now)) {
		shutdown(websocket.StatusAbnormalClosure, "backpressure: authorized ack")
		return
	}

	g.log.Info("ws.session.start", "room_id", roomID, "subject_id", claims.SubjectID, "connection_id", connectionID, "role", role.String())

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if ctx.Err() != nil {
					shutdown(websocket.StatusNormalClosure, "context done")
					break readLoop
				}
				// Idle eviction. The notice is written synchronously so it
				// is not lost to the writer goroutine shutting down.
				_ = writeEnvelope(ctx, conn, g.errorEnvelope(roomID, v1.ErrorPayload{
					Reason: v1.ReasonIdleTimeout,
					Detail: "no traffic within the liveness window",
				}), g.writeTimeout)
				rejectionsTotal.WithLabelValues(v1.ReasonIdleTimeout).Inc()
				shutdown(websocket.StatusGoingAway, "idle timeout")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonBadEnvelope, Detail: "invalid JSON"})
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connectionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonBadEnvelope, Detail: err.Error()})
			continue readLoop
		}
		if env.RoomID != "" && env.RoomID != roomID {
			g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonBadEnvelope, Detail: "room_id does not match this session"})
			continue readLoop
		}

		now := time.Now().UTC()

		switch env.Type {
		case v1.TypeHello:
			g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonBadEnvelope, Detail: "session is already authorized"})

		case v1.TypePing:
			if !g.allow(ctx, client, claims.SubjectID, roomID, ratelimit.ClassMessage, now) {
				continue readLoop
			}
			room.Touch(connectionID, now)
			messagesTotal.WithLabelValues(v1.TypePing).Inc()

		case v1.TypePresence:
			g.onPresence(ctx, client, room, claims, roomID, connectionID, env, now)

		case v1.TypeUpdate:
			g.onUpdate(ctx, client, room, claims, roomID, connectionID, env, now)

		default:
			g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonBadEnvelope, Detail: fmt.Sprintf("unsupported type: %s", env.Type)})
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake ----

// awaitHello runs the first-frame authentication path. On failure it writes
// the typed rejection, closes the socket, and returns a non-nil error.
func (g *Gateway) awaitHello(ctx context.Context, conn *websocket.Conn, roomID string) (token.Claims, string, error) {
	readCtx, readCancel := context.WithTimeout(ctx, g.handshakeWindow)
	env, err := readEnvelope(readCtx, conn)
	readCancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			g.rejectDirect(ctx, conn, roomID, v1.ErrorPayload{
				Reason: v1.ReasonHandshakeTimeout,
				Detail: "no hello frame within the handshake window",
			}, websocket.StatusPolicyViolation, "handshake timeout")
			g.auditReject(ctx, audit.ActionRejectedHandshake, "", roomID, map[string]any{"reason": v1.ReasonHandshakeTimeout})
			return token.Claims{}, "", err
		}
		_ = conn.Close(websocket.StatusAbnormalClosure, "handshake read failed")
		return token.Claims{}, "", err
	}

	fail := func(reason, detail string) (token.Claims, string, error) {
		g.rejectDirect(ctx, conn, roomID, v1.ErrorPayload{Reason: reason, Detail: detail}, websocket.StatusPolicyViolation, reason)
		g.auditReject(ctx, audit.ActionRejectedHandshake, "", roomID, map[string]any{"reason": reason})
		return token.Claims{}, "", errors.New(reason)
	}

	if err := env.Validate(); err != nil {
		return fail(v1.ReasonBadEnvelope, err.Error())
	}
	if env.Type != v1.TypeHello {
		return fail(v1.ReasonBadEnvelope, "expected hello as first frame")
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fail(v1.ReasonBadEnvelope, "invalid hello payload")
	}
	raw := strings.TrimSpace(p.Token)
	if raw == "" {
		return fail(v1.ReasonTokenMalformed, "hello without token")
	}

	claims, err := g.tokens.Verify(raw, time.Now().UTC())
	if err != nil {
		return fail(tokenReason(err), "token rejected")
	}
	return claims, raw, nil
}

// admit runs the post-rate handshake checks: capability, room existence, and
// role. On failure it writes the typed rejection, closes the socket, and
// reports !ok.
func (g *Gateway) admit(ctx context.Context, conn *websocket.Conn, roomID string, claims token.Claims) (perm.Role, bool) {
	reject := func(p v1.ErrorPayload, action string) (perm.Role, bool) {
		g.rejectDirect(ctx, conn, roomID, p, websocket.StatusPolicyViolation, p.Reason)
		if action != "" {
			g.auditReject(ctx, action, claims.SubjectID, roomID, map[string]any{"reason": p.Reason})
		}
		return perm.RoleNone, false
	}

	if !claims.HasCapability(token.CapabilityRead) {
		return reject(v1.ErrorPayload{
			Reason: v1.ReasonForbidden,
			Detail: "token lacks capability: " + token.CapabilityRead,
		}, audit.ActionRejectedForbidden)
	}

	ok, actual, err := g.perms.Authorize(ctx, roomID, claims.SubjectID, perm.RoleViewer)
	if err != nil {
		if errors.Is(err, perm.ErrRoomNotFound) {
			return reject(v1.ErrorPayload{Reason: v1.ReasonNotFound, Detail: "unknown room"}, "")
		}
		g.log.Error("ws.authorize.fail", "room_id", roomID, "subject_id", claims.SubjectID, "err", err)
		return reject(v1.ErrorPayload{Reason: v1.ReasonInternal, Detail: "authorization unavailable"}, "")
	}
	if !ok {
		return reject(v1.ErrorPayload{
			Reason:       v1.ReasonForbidden,
			RequiredRole: perm.RoleViewer.String(),
			ActualRole:   actual.String(),
		}, audit.ActionRejectedForbidden)
	}

	return actual, true
}

// ---- message handlers ----

func (g *Gateway) onPresence(ctx context.Context, client *Client, room *presence.Room, claims token.Claims, roomID, connectionID string, env v1.Envelope, now time.Time) {
	if !g.allow(ctx, client, claims.SubjectID, roomID, ratelimit.ClassMessage, now) {
		return
	}
	if !g.authorizeMessage(ctx, client, roomID, claims, token.CapabilityRead, perm.RoleViewer) {
		return
	}

	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonBadEnvelope, Detail: "invalid presence payload"})
		return
	}

	if _, err := room.UpdateCursor(connectionID, p.Cursor, p.Selection, now); err != nil {
		g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonNotFound, Detail: "not a room member"})
		return
	}
	messagesTotal.WithLabelValues(v1.TypePresence).Inc()
}

func (g *Gateway) onUpdate(ctx context.Context, client *Client, room *presence.Room, claims token.Claims, roomID, connectionID string, env v1.Envelope, now time.Time) {
	if !g.allow(ctx, client, claims.SubjectID, roomID, ratelimit.ClassUpdate, now) {
		return
	}
	if !g.authorizeMessage(ctx, client, roomID, claims, token.CapabilityWrite, perm.RoleEditor) {
		return
	}

	// The store write happens before fanout: members only ever see updates
	// that were durably accepted.
	if err := g.docs.ApplyUpdate(ctx, roomID, env.Payload); err != nil {
		if errors.Is(err, perm.ErrRoomNotFound) {
			g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonNotFound, Detail: "unknown room"})
			return
		}
		g.log.Error("ws.update.store_fail", "room_id", roomID, "connection_id", connectionID, "err", err)
		g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonInternal, Detail: "update not applied"})
		return
	}

	room.Forward(connectionID, claims.SubjectID, env.Payload)
	room.Touch(connectionID, now)
	messagesTotal.WithLabelValues(v1.TypeUpdate).Inc()
}

// allow checks the per-subject quota for class. A denial sends rate_limited
// with ResetAt and keeps the connection open.
func (g *Gateway) allow(ctx context.Context, client *Client, subjectID, roomID string, class ratelimit.Class, now time.Time) bool {
	d := g.limits.Check(subjectID, class, now)
	if d.Allowed {
		return true
	}

	reset := d.ResetAt
	g.trySendError(ctx, client, roomID, v1.ErrorPayload{
		Reason:  v1.ReasonRateLimited,
		Detail:  "quota exhausted for class " + string(class),
		ResetAt: &reset,
	})
	g.auditReject(ctx, audit.ActionRejectedRateLimit, subjectID, roomID, map[string]any{"class": string(class)})
	return false
}

// authorizeMessage re-checks both gates on an already established session:
// the token's coarse capability and the room role. Either failing rejects
// the message without closing the connection, so a mid-session revoke takes
// effect on the next message.
func (g *Gateway) authorizeMessage(ctx context.Context, client *Client, roomID string, claims token.Claims, capability string, required perm.Role) bool {
	if !claims.HasCapability(capability) {
		g.trySendError(ctx, client, roomID, v1.ErrorPayload{
			Reason:       v1.ReasonForbidden,
			Detail:       "token lacks capability: " + capability,
			RequiredRole: required.String(),
		})
		g.auditReject(ctx, audit.ActionRejectedForbidden, claims.SubjectID, roomID, map[string]any{"capability": capability})
		return false
	}

	ok, actual, err := g.perms.Authorize(ctx, roomID, claims.SubjectID, required)
	if err != nil {
		if errors.Is(err, perm.ErrRoomNotFound) {
			g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonNotFound, Detail: "unknown room"})
			return false
		}
		g.log.Error("ws.authorize.fail", "room_id", roomID, "subject_id", claims.SubjectID, "err", err)
		g.trySendError(ctx, client, roomID, v1.ErrorPayload{Reason: v1.ReasonInternal, Detail: "authorization unavailable"})
		return false
	}
	if !ok {
		g.trySendError(ctx, client, roomID, v1.ErrorPayload{
			Reason:       v1.ReasonForbidden,
			RequiredRole: required.String(),
			ActualRole:   actual.String(),
		})
		g.auditReject(ctx, audit.ActionRejectedForbidden, claims.SubjectID, roomID, map[string]any{
			"required_role": required.String(),
			"actual_role":   actual.String(),
		})
		return false
	}
	return true
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, roomID string, p v1.ErrorPayload) {
	rejectionsTotal.WithLabelValues(p.Reason).Inc()
	_ = g.enqueue(ctx, client, g.errorEnvelope(roomID, p))
}

// rejectDirect is the pre-session rejection path: the writer goroutine does
// not exist yet, so the envelope is written synchronously before the close.
func (g *Gateway) rejectDirect(ctx context.Context, conn *websocket.Conn, roomID string, p v1.ErrorPayload, code websocket.StatusCode, reason string) {
	rejectionsTotal.WithLabelValues(p.Reason).Inc()
	_ = writeEnvelope(ctx, conn, g.errorEnvelope(roomID, p), g.writeTimeout)
	_ = conn.Close(code, reason)
}

func (g *Gateway) errorEnvelope(roomID string, p v1.ErrorPayload) v1.Envelope {
	payload, _ := json.Marshal(p)
	return newEnvelope(v1.TypeError, roomID, payload, time.Now().UTC())
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func (g *Gateway) auditReject(ctx context.Context, action, subjectID, roomID string, meta map[string]any) {
	g.audit.Record(ctx, audit.Event{
		Action:    action,
		SubjectID: subjectID,
		RoomID:    roomID,
		At:        time.Now().UTC(),
		Meta:      meta,
	})
}

// ---- envelope IO ----

func newEnvelope(typ, roomID string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		RoomID:  roomID,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- small helpers ----

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func tokenReason(err error) string {
	if errors.Is(err, token.ErrTokenExpired) {
		return v1.ReasonTokenExpired
	}
	return v1.ReasonTokenMalformed
}

func wirePresence(entries []presence.Entry) []v1.PresenceEntry {
	out := make([]v1.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Wire())
	}
	return out
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not
	// conn.Read. This fallback exists for robustness when error strings are
	// propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}
