package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tillworks/tillsync/internal/engine"
	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/feed"
	"github.com/tillworks/tillsync/internal/storage"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *storage.DB) {
	t.Helper()
	db, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "canon.db"))
	if err != nil {
		t.Fatalf("open storage failed: %v", err)
	}
	if err := db.MigrateServer(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	hub := feed.NewHub(64)
	t.Cleanup(func() {
		hub.Close()
		db.Close()
	})
	eng := engine.New(db, hub, nil)
	return NewServer(eng, feed.NewLog(db), hub, cfg), db
}

func envelopeJSON(opID, entityType, entityID, op string, body map[string]any) string {
	env := envelope.Envelope{
		APIVersion: envelope.APIVersion,
		DeviceID:   "D1",
		OpID:       opID,
		EntityType: entityType,
		EntityID:   entityID,
		Op:         op,
		Body:       body,
	}
	data, _ := json.Marshal(env)
	return string(data)
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSingleApplyStatusCodes(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})

	// valid create
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/apply",
		strings.NewReader(envelopeJSON("op_1", "item", "I1", "create", map[string]any{"name": "Soap", "quantity": float64(10)}))))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid apply, got %d body %s", rec.Code, rec.Body.String())
	}
	var result envelope.ApplyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result failed: %v", err)
	}
	if !result.OK || result.Replay || result.OpID != "op_1" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// structurally invalid envelope
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/apply",
		strings.NewReader(`{"apiVersion":1,"deviceId":"D1","entityType":"item","op":"delete"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing opId, got %d", rec.Code)
	}

	// permanent application failure
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/apply",
		strings.NewReader(envelopeJSON("op_2", "item", "ghost", "adjust", map[string]any{"delta": float64(-1)}))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown entity, got %d", rec.Code)
	}
}

func TestApplyReplayReturns200(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	payload := envelopeJSON("op_1", "item", "I1", "create", map[string]any{"name": "Soap"})
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/apply", strings.NewReader(payload)))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rec.Code)
		}
		var result envelope.ApplyResult
		json.Unmarshal(rec.Body.Bytes(), &result)
		if result.Replay != (i > 0) {
			t.Fatalf("delivery %d: unexpected replay flag %+v", i, result)
		}
	}
}

func TestBatchScenario(t *testing.T) {
	server, db := newTestServer(t, ServerConfig{})

	seed := fmt.Sprintf(`{"ops":[{"envelope":%s}]}`,
		envelopeJSON("op_seed", "item", "I1", "create", map[string]any{"name": "Soap", "quantity": float64(10)}))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/batch", strings.NewReader(seed)))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed batch failed: %d %s", rec.Code, rec.Body.String())
	}

	adjust := envelopeJSON("A1", "item", "I1", "adjust", map[string]any{"delta": float64(-2)})
	body := fmt.Sprintf(`{"ops":[{"envelope":%s},{"envelope":%s}]}`, adjust, adjust)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/batch", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("batch failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode batch response failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected two results, got %d", len(resp.Results))
	}
	if !resp.Results[0].OK || resp.Results[0].Replay || resp.Results[0].OpID != "A1" {
		t.Fatalf("unexpected first result: %+v", resp.Results[0])
	}
	if !resp.Results[1].OK || !resp.Results[1].Replay || resp.Results[1].OpID != "A1" {
		t.Fatalf("unexpected second result: %+v", resp.Results[1])
	}
	item, err := db.GetItem(context.Background(), "I1")
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.Quantity != 8 {
		t.Fatalf("expected quantity 8, not %d", item.Quantity)
	}
}

func TestBatchPartialFailureKeepsHTTP200(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	valid := envelopeJSON("op_ok", "item", "I1", "create", map[string]any{"name": "Soap"})
	body := fmt.Sprintf(`{"ops":[{"envelope":%s},{"envelope":{"apiVersion":1}}]}`, valid)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/batch", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for well-formed batch, got %d", rec.Code)
	}
	var resp batchResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Results[0].OK {
		t.Fatalf("valid op failed: %+v", resp.Results[0])
	}
	if resp.Results[1].OK || resp.Results[1].Message == "" {
		t.Fatalf("malformed op should fail with message: %+v", resp.Results[1])
	}
}

func TestDecodeFailuresEchoSubmittedOpID(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})

	// single apply: envelope carries an opId but is missing entityType
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/apply",
		strings.NewReader(`{"apiVersion":1,"deviceId":"D1","opId":"op_bad_1","op":"create"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var result envelope.ApplyResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.OpID != "op_bad_1" {
		t.Fatalf("expected submitted opId echoed, got %+v", result)
	}

	// batch: a decode-failure result still correlates with its op
	valid := envelopeJSON("op_ok", "item", "I1", "create", map[string]any{"name": "Soap"})
	body := fmt.Sprintf(`{"ops":[{"envelope":%s},{"envelope":{"apiVersion":1,"deviceId":"D1","opId":"op_bad_2","op":"create"}}]}`, valid)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/batch", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp batchResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Results[1].OK || resp.Results[1].OpID != "op_bad_2" {
		t.Fatalf("expected failure result keyed op_bad_2, got %+v", resp.Results[1])
	}
}

func TestMalformedBatchRejectedBeforeProcessing(t *testing.T) {
	server, db := newTestServer(t, ServerConfig{})
	for name, body := range map[string]string{
		"missing ops":   `{}`,
		"null ops":      `{"ops":null}`,
		"non-array ops": fmt.Sprintf(`{"ops":{"envelope":%s}}`, envelopeJSON("op_x", "item", "I1", "create", map[string]any{"name": "Soap"})),
		"not json":      `ops`,
	} {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/batch", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if _, err := db.GetItem(context.Background(), "I1"); err == nil {
		t.Fatalf("no op from a malformed batch may be processed")
	}
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{DeviceToken: "secret"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/sync/batch", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	server.ServeHTTP(rec, req)
	// preflight is answered without auth
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS headers: %v", rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("expected POST allowed, got %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestDeviceTokenAuth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{DeviceToken: "secret"})
	payload := envelopeJSON("op_1", "item", "I1", "create", map[string]any{"name": "Soap"})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/apply", strings.NewReader(payload)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sync/apply", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer secret")
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestChangesPagination(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	for i := 0; i < 5; i++ {
		payload := envelopeJSON(fmt.Sprintf("op_%d", i), "item", fmt.Sprintf("I%d", i), "create", map[string]any{"name": "Item"})
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/apply", strings.NewReader(payload)))
		if rec.Code != http.StatusOK {
			t.Fatalf("apply %d failed: %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sync/changes?since=0&limit=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("changes failed: %d", rec.Code)
	}
	var page changesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode changes failed: %v", err)
	}
	if len(page.Changes) != 3 || !page.HasMore {
		t.Fatalf("expected first page of 3 with more, got %+v", page)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/v1/sync/changes?since=%d&limit=3", page.Watermark), nil))
	var rest changesResponse
	json.Unmarshal(rec.Body.Bytes(), &rest)
	if len(rest.Changes) != 2 || rest.HasMore {
		t.Fatalf("expected final page of 2, got %+v", rest)
	}
}

func TestRateLimiter(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sync/changes?device=D1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sync/changes?device=D1", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", rec.Code)
	}
}

func TestFeedStreamsCommittedChanges(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sync/feed?device=D2&since=0"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	payload := envelopeJSON("op_1", "item", "I1", "create", map[string]any{"name": "Soap"})
	resp, err := http.Post(ts.URL+"/v1/sync/apply", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	resp.Body.Close()

	var change feed.Change
	if err := wsjson.Read(ctx, conn, &change); err != nil {
		t.Fatalf("read feed failed: %v", err)
	}
	if change.OpID != "op_1" || change.EntityID != "I1" || change.DeviceID != "D1" {
		t.Fatalf("unexpected change: %+v", change)
	}
}

func TestFeedReplaysBacklogBeforeLive(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	for i := 0; i < 3; i++ {
		payload := envelopeJSON(fmt.Sprintf("op_%d", i), "item", fmt.Sprintf("I%d", i), "create", map[string]any{"name": "Item"})
		resp, err := http.Post(ts.URL+"/v1/sync/apply", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sync/feed?since=0"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for i := 0; i < 3; i++ {
		var change feed.Change
		if err := wsjson.Read(ctx, conn, &change); err != nil {
			t.Fatalf("read backlog change %d failed: %v", i, err)
		}
		if change.OpID != fmt.Sprintf("op_%d", i) {
			t.Fatalf("backlog out of order: change %d is %q", i, change.OpID)
		}
	}
}
