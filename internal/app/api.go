package app

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	v1 "tandem/contracts/session/v1"
	"tandem/internal/audit"
	"tandem/internal/docstore"
	"tandem/internal/perm"
	"tandem/internal/presence"
	"tandem/internal/token"
)

const apiMaxBodyBytes = 64 << 10

// API is the REST management surface: token minting and room permission
// administration. The realtime path lives in internal/realtime.
type API struct {
	log    Logger
	cfg    Config
	tokens token.Service
	perms  *perm.Registry
	docs   docstore.Store
	hub    *presence.Hub
	sink   audit.Sink
}

func NewAPI(log Logger, cfg Config, tokens token.Service, perms *perm.Registry, docs docstore.Store, hub *presence.Hub, sink audit.Sink) *API {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &API{log: log, cfg: cfg, tokens: tokens, perms: perms, docs: docs, hub: hub, sink: sink}
}

func (a *API) Register(mux *http.ServeMux) {
	if a == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/tokens", a.handleIssueToken)
	mux.HandleFunc("POST /v1/rooms", a.handleCreateRoom)
	mux.HandleFunc("GET /v1/rooms/{room}/presence", a.handlePresence)
	mux.HandleFunc("POST /v1/rooms/{room}/grants", a.handleGrant)
	mux.HandleFunc("DELETE /v1/rooms/{room}/grants/{subject}", a.handleRevoke)
}

// ---- request/response models ----

type tokenRequest struct {
	SubjectID    string   `json:"subject_id"`
	DisplayName  string   `json:"display_name"`
	Email        string   `json:"email"`
	Capabilities []string `json:"capabilities"`
	TTL          string   `json:"ttl"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type roomRequest struct {
	RoomID string `json:"room_id"`
}

type roomResponse struct {
	RoomID  string `json:"room_id"`
	OwnerID string `json:"owner_subject_id"`
}

type grantRequest struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
}

type grantResponse struct {
	RoomID    string `json:"room_id"`
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
}

type presenceResponse struct {
	RoomID  string             `json:"room_id"`
	Members []v1.PresenceEntry `json:"members"`
}

// ---- handlers ----

// handleIssueToken mints a session token for an externally verified identity.
// The caller is a trusted identity provider, authenticated by a shared key.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if key := a.cfg.IssuerAPIKey; key != "" {
		got := strings.TrimSpace(r.Header.Get("X-Tandem-Issuer-Key"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, "bad_issuer_key", "missing or invalid issuer key")
			return
		}
	}

	var req tokenRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing subject_id")
		return
	}

	caps := req.Capabilities
	if len(caps) == 0 {
		caps = []string{token.CapabilityRead}
	}

	var ttl time.Duration
	if strings.TrimSpace(req.TTL) != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid ttl")
			return
		}
		ttl = d
	}

	now := time.Now().UTC()
	tok, exp, err := a.tokens.Issue(token.Identity{
		SubjectID:   req.SubjectID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
	}, caps, ttl, now)
	if err != nil {
		a.log.Error("api.token.issue_fail", "subject_id", req.SubjectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "token issuance failed")
		return
	}

	a.sink.Record(r.Context(), audit.Event{
		Action:    audit.ActionTokenIssued,
		SubjectID: req.SubjectID,
		At:        now,
		Meta:      map[string]any{"capabilities": caps},
	})

	writeJSON(w, http.StatusOK, tokenResponse{Token: tok, ExpiresAt: exp})
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.requireClaims(w, r)
	if !ok {
		return
	}
	if !claims.HasCapability(token.CapabilityWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "token lacks capability: "+token.CapabilityWrite)
		return
	}

	var req roomRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing room_id")
		return
	}

	if err := a.docs.CreateRoom(r.Context(), roomID, claims.SubjectID); err != nil {
		if errors.Is(err, docstore.ErrRoomExists) {
			writeError(w, http.StatusConflict, "conflict", "room already exists")
			return
		}
		a.log.Error("api.room.create_fail", "room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "room creation failed")
		return
	}

	// A stale negative cache entry must not outlive the creation.
	a.perms.Invalidate(roomID)

	writeJSON(w, http.StatusCreated, roomResponse{RoomID: roomID, OwnerID: claims.SubjectID})
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.requireClaims(w, r)
	if !ok {
		return
	}

	roomID := r.PathValue("room")

	var req grantRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	role, err := perm.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing subject_id")
		return
	}

	if err := a.perms.Grant(r.Context(), roomID, claims.SubjectID, req.SubjectID, role); err != nil {
		a.writePermError(w, err)
		return
	}

	a.sink.Record(r.Context(), audit.Event{
		Action:    audit.ActionGrant,
		SubjectID: claims.SubjectID,
		RoomID:    roomID,
		At:        time.Now().UTC(),
		Meta:      map[string]any{"target": req.SubjectID, "role": role.String()},
	})

	writeJSON(w, http.StatusOK, grantResponse{RoomID: roomID, SubjectID: req.SubjectID, Role: role.String()})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.requireClaims(w, r)
	if !ok {
		return
	}

	roomID := r.PathValue("room")
	target := r.PathValue("subject")

	if err := a.perms.Revoke(r.Context(), roomID, claims.SubjectID, target); err != nil {
		a.writePermError(w, err)
		return
	}

	a.sink.Record(r.Context(), audit.Event{
		Action:    audit.ActionRevoke,
		SubjectID: claims.SubjectID,
		RoomID:    roomID,
		At:        time.Now().UTC(),
		Meta:      map[string]any{"target": target},
	})

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.requireClaims(w, r)
	if !ok {
		return
	}

	roomID := r.PathValue("room")

	allowed, _, err := a.perms.Authorize(r.Context(), roomID, claims.SubjectID, perm.RoleViewer)
	if err != nil {
		a.writePermError(w, err)
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
		return
	}

	members := []v1.PresenceEntry{}
	if entries, ok := a.hub.Snapshot(roomID); ok {
		for _, e := range entries {
			members = append(members, e.Wire())
		}
	}
	writeJSON(w, http.StatusOK, presenceResponse{RoomID: roomID, Members: members})
}

// ---- helpers ----

func (a *API) requireClaims(w http.ResponseWriter, r *http.Request) (token.Claims, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return token.Claims{}, false
	}

	claims, err := a.tokens.Verify(strings.TrimSpace(h[len(prefix):]), time.Now().UTC())
	if err != nil {
		code := "token_malformed"
		if errors.Is(err, token.ErrTokenExpired) {
			code = "token_expired"
		}
		writeError(w, http.StatusUnauthorized, code, "token rejected")
		return token.Claims{}, false
	}
	return claims, true
}

func (a *API) writePermError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, perm.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown room")
	case errors.Is(err, perm.ErrLastOwner):
		writeError(w, http.StatusConflict, "conflict", "room must retain at least one owner")
	case errors.Is(err, perm.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such grant")
	case errors.Is(err, perm.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		a.log.Error("api.perm.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "permission operation failed")
	}
}
