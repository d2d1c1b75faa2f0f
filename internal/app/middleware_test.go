package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLoggingRecordsStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/v1/rooms/room-1/presence", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418 passthrough, got %d", rr.Code)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "http.request" {
		t.Fatalf("msg=%v", rec["msg"])
	}
	if rec["path"] != "/v1/rooms/room-1/presence" {
		t.Fatalf("path=%v", rec["path"])
	}
	if status, _ := rec["status"].(float64); int(status) != http.StatusTeapot {
		t.Fatalf("status=%v", rec["status"])
	}
}

func TestLoggingResponseWriterPreservesOptionalInterfaces(t *testing.T) {
	t.Parallel()

	// WebSocket upgrades need Hijacker to survive the wrapper.
	var w http.ResponseWriter = &loggingResponseWriter{ResponseWriter: httptest.NewRecorder()}

	if _, ok := w.(http.Hijacker); !ok {
		t.Fatalf("wrapper lost http.Hijacker")
	}
	if _, ok := w.(http.Flusher); !ok {
		t.Fatalf("wrapper lost http.Flusher")
	}
	if _, ok := w.(http.Pusher); !ok {
		t.Fatalf("wrapper lost http.Pusher")
	}

	type unwrapper interface{ Unwrap() http.ResponseWriter }
	if _, ok := w.(unwrapper); !ok {
		t.Fatalf("wrapper lost Unwrap")
	}
}
