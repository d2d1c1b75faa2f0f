package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tandem/internal/docstore"
	"tandem/internal/perm"
	"tandem/internal/presence"
	"tandem/internal/token"
)

type apiEnv struct {
	api    *API
	tokens token.Service
	docs   *docstore.InMemoryStore
	mux    *http.ServeMux
}

func newAPIEnv(t *testing.T, cfg Config) *apiEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := token.NewPasetoV4Service(token.DefaultConfig(), log)
	if err != nil {
		t.Fatalf("NewPasetoV4Service: %v", err)
	}

	docs := docstore.NewInMemoryStore()
	perms := perm.NewRegistry(docs, docs, perm.ParseDefaultPolicy(cfg.DefaultPolicy))
	hub := presence.NewHub(log)

	api := NewAPI(log, cfg, tokens, perms, docs, hub, nil)
	mux := http.NewServeMux()
	api.Register(mux)

	return &apiEnv{api: api, tokens: tokens, docs: docs, mux: mux}
}

func (e *apiEnv) issue(t *testing.T, subjectID string, caps ...string) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(token.Identity{SubjectID: subjectID}, caps, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, bearer string, body any, extra http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func TestAPIIssueToken(t *testing.T) {
	e := newAPIEnv(t, Config{IssuerAPIKey: "shared-key"})

	rr := e.do(t, http.MethodPost, "/v1/tokens", "", tokenRequest{SubjectID: "u-1"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without issuer key, got %d", rr.Code)
	}

	h := http.Header{}
	h.Set("X-Tandem-Issuer-Key", "shared-key")
	rr = e.do(t, http.MethodPost, "/v1/tokens", "", tokenRequest{
		SubjectID:    "u-1",
		DisplayName:  "User One",
		Capabilities: []string{token.CapabilityRead, token.CapabilityWrite},
		TTL:          "30m",
	}, h)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	claims, err := e.tokens.Verify(resp.Token, time.Now().UTC())
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.SubjectID != "u-1" || !claims.HasCapability(token.CapabilityWrite) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if until := time.Until(resp.ExpiresAt); until > 31*time.Minute || until < 29*time.Minute {
		t.Fatalf("expected ~30m expiry, got %v", until)
	}
}

func TestAPICreateRoom(t *testing.T) {
	e := newAPIEnv(t, Config{})
	bearer := e.issue(t, "u-owner", token.CapabilityRead, token.CapabilityWrite)

	rr := e.do(t, http.MethodPost, "/v1/rooms", bearer, roomRequest{RoomID: "room-1"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp roomResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OwnerID != "u-owner" {
		t.Fatalf("expected caller as owner, got %q", resp.OwnerID)
	}

	rr = e.do(t, http.MethodPost, "/v1/rooms", bearer, roomRequest{RoomID: "room-1"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate room, got %d", rr.Code)
	}
}

func TestAPICreateRoomRequiresWriteCapability(t *testing.T) {
	e := newAPIEnv(t, Config{})
	bearer := e.issue(t, "u-reader", token.CapabilityRead)

	rr := e.do(t, http.MethodPost, "/v1/rooms", bearer, roomRequest{RoomID: "room-1"}, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestAPIGrantAndRevoke(t *testing.T) {
	e := newAPIEnv(t, Config{})
	owner := e.issue(t, "u-owner", token.CapabilityRead, token.CapabilityWrite)

	if rr := e.do(t, http.MethodPost, "/v1/rooms", owner, roomRequest{RoomID: "room-g"}, nil); rr.Code != http.StatusCreated {
		t.Fatalf("create room: %d", rr.Code)
	}

	rr := e.do(t, http.MethodPost, "/v1/rooms/room-g/grants", owner, grantRequest{SubjectID: "u-ed", Role: "editor"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Only owners administer the permission map.
	stranger := e.issue(t, "u-x", token.CapabilityRead, token.CapabilityWrite)
	rr = e.do(t, http.MethodPost, "/v1/rooms/room-g/grants", stranger, grantRequest{SubjectID: "u-y", Role: "viewer"}, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner grant, got %d", rr.Code)
	}

	rr = e.do(t, http.MethodDelete, "/v1/rooms/room-g/grants/u-ed", owner, nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodDelete, "/v1/rooms/room-g/grants/u-ed", owner, nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing grant, got %d", rr.Code)
	}
}

func TestAPIRevokeOwnerConflicts(t *testing.T) {
	e := newAPIEnv(t, Config{})
	owner := e.issue(t, "u-owner", token.CapabilityRead, token.CapabilityWrite)

	if rr := e.do(t, http.MethodPost, "/v1/rooms", owner, roomRequest{RoomID: "room-o"}, nil); rr.Code != http.StatusCreated {
		t.Fatalf("create room: %d", rr.Code)
	}

	rr := e.do(t, http.MethodDelete, "/v1/rooms/room-o/grants/u-owner", owner, nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 when removing the last owner, got %d", rr.Code)
	}
}

func TestAPIPresenceEmptyRoom(t *testing.T) {
	e := newAPIEnv(t, Config{})
	owner := e.issue(t, "u-owner", token.CapabilityRead, token.CapabilityWrite)

	if rr := e.do(t, http.MethodPost, "/v1/rooms", owner, roomRequest{RoomID: "room-p"}, nil); rr.Code != http.StatusCreated {
		t.Fatalf("create room: %d", rr.Code)
	}

	rr := e.do(t, http.MethodGet, "/v1/rooms/room-p/presence", owner, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp presenceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RoomID != "room-p" || len(resp.Members) != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAPIRejectsExpiredToken(t *testing.T) {
	e := newAPIEnv(t, Config{})

	past := time.Now().UTC().Add(-2 * time.Hour)
	expired, _, err := e.tokens.Issue(token.Identity{SubjectID: "u-old"}, []string{token.CapabilityRead}, time.Hour, past)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rr := e.do(t, http.MethodPost, "/v1/rooms", expired, roomRequest{RoomID: "room-x"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.Code != "token_expired" {
		t.Fatalf("expected token_expired, got %+v", resp.Error)
	}
}
