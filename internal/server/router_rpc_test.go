package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T, peer protocol.SiteID) (http.Handler, *SessionHub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	service, registry := newTestService(t)
	hub := NewSessionHub(registry, 0, zap.NewNop())
	t.Cleanup(hub.CloseAll)
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: stubTokenValidator{site: peer},
		Service:        service,
		Sessions:       hub,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected router error: %v", err)
	}
	return handler, hub
}

func postMessage(t *testing.T, handler http.Handler, path string, msg protocol.Message) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	request.Header.Set("Authorization", "Bearer token")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestRPCRouteRoundTripsRequests(t *testing.T) {
	handler, _ := newTestRouter(t, alicePeer)

	recorder := postMessage(t, handler, "/v1/rpc", protocol.UploadSchema{
		Name: testSchemaName, Version: 1, Content: testSchemaContent, Activate: true,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected %d for upload, got %d: %s", http.StatusNoContent, recorder.Code, recorder.Body.String())
	}

	recorder = postMessage(t, handler, "/v1/rpc", protocol.CreateOrMigrate{
		DBID: serverDB, RequestorDBID: alicePeer, SchemaName: testSchemaName, SchemaVersion: 1,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	reply, err := protocol.Decode(recorder.Body.Bytes())
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if response, ok := reply.(protocol.CreateOrMigrateResponse); !ok || response.Status != protocol.MigrateStatusApply {
		t.Fatalf("unexpected reply %#v", reply)
	}
}

func TestRPCRouteMapsServiceErrors(t *testing.T) {
	handler, _ := newTestRouter(t, alicePeer)

	recorder := postMessage(t, handler, "/v1/rpc", protocol.ApplyChanges{ToDBID: serverDB, FromDBID: bobPeer})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected %d for impersonation, got %d", http.StatusForbidden, recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if body["error"] != "sync.apply_changes.sender_mismatch" {
		t.Fatalf("unexpected error code %q", body["error"])
	}
}

func TestRPCRouteRejectsMalformedMessages(t *testing.T) {
	handler, _ := newTestRouter(t, alicePeer)

	request := httptest.NewRequest(http.MethodPost, "/v1/rpc", bytes.NewReader([]byte(`{"_tag":8,"toDbid":"zz"}`)))
	request.Header.Set("Authorization", "Bearer token")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if body["error"] != "invalid_message" || body["field"] == "" {
		t.Fatalf("expected the offending field to be reported, got %v", body)
	}
}

func TestRPCRouteRequiresToken(t *testing.T) {
	handler, _ := newTestRouter(t, alicePeer)
	request := httptest.NewRequest(http.MethodPost, "/v1/rpc", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
}

func TestSessionMessageRouteChecksOwnership(t *testing.T) {
	handler, hub := newTestRouter(t, alicePeer)
	path := "/v1/dbs/" + serverDB.String() + "/sessions/s1/messages"

	if recorder := postMessage(t, handler, path, protocol.AnnouncePresence{Sender: alicePeer}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected %d for unknown session, got %d", http.StatusNotFound, recorder.Code)
	}

	if _, err := hub.Open(t.Context(), serverDB, "s1", bobPeer); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if recorder := postMessage(t, handler, path, protocol.AnnouncePresence{Sender: alicePeer}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected %d for a foreign session, got %d", http.StatusForbidden, recorder.Code)
	}

	hub.Close("s1")
	if _, err := hub.Open(t.Context(), serverDB, "s1", alicePeer); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if recorder := postMessage(t, handler, path, protocol.Changes{Sender: bobPeer}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected %d for impersonated changes, got %d", http.StatusForbidden, recorder.Code)
	}
	if recorder := postMessage(t, handler, path, protocol.AnnouncePresence{Sender: alicePeer}); recorder.Code != http.StatusAccepted {
		t.Fatalf("expected %d, got %d", http.StatusAccepted, recorder.Code)
	}
}
