package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nimastz/resilient-mesh-messaging/internal/api/middleware"
	"github.com/Nimastz/resilient-mesh-messaging/internal/ids"
	"github.com/Nimastz/resilient-mesh-messaging/internal/queuestore"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/config"
)

const (
	testDeviceFP = "device-1"
	testToken    = "super-secret-token"
)

type testHarness struct {
	t      *testing.T
	server *Server
	router http.Handler
	store  *queuestore.Store
	now    time.Time
}

func newTestHarness(t *testing.T, mutateCfg func(*config.Config)) *testHarness {
	t.Helper()
	store, err := queuestore.Open(filepath.Join(t.TempDir(), "routing.db"), 10000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.PutDeviceCredential(context.Background(), testDeviceFP, middleware.HashToken(testToken)); err != nil {
		t.Fatalf("put device credential: %v", err)
	}

	cfg := config.Defaults()
	cfg.DebugMode = true
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	h := &testHarness{t: t, store: store, now: time.Unix(1_700_000_000, 0).UTC()}

	engine := ids.New(ids.Config{
		WindowSeconds:           cfg.IDS.WindowSeconds,
		MaxMsgsPerWindow:        cfg.IDS.MaxMsgsPerWindow,
		DuplicateSuppressionTTL: cfg.IDS.DuplicateSuppressionTTL,
		BlockPeerAfter:          cfg.IDS.BlockPeerAfter,
		BlockPeerTTLSeconds:     cfg.IDS.BlockPeerTTLSeconds,
	}, nil, func() time.Time { return h.now })

	srv := NewServer(store, engine, cfg, nil)
	srv.Now = func() time.Time { return h.now }

	h.server = srv
	h.router = NewRouter(srv)
	return h
}

func (h *testHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Device-Fp", testDeviceFP)
	req.Header.Set("X-Device-Token", testToken)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func sampleEnvelope(msgID string, ttl int, senderFP string) map[string]any {
	return map[string]any{
		"version": "1.0",
		"header": map[string]any{
			"sender_fp":    senderFP,
			"recipient_fp": "recipient-fp",
			"msg_id":       msgID,
			"nonce":        "bm9uY2U=",
			"ttl":          ttl,
			"hop_count":    0,
			"ts":           1_700_000_000,
		},
		"ciphertext": "Y2lwaGVydGV4dA==",
		"chunks":     map[string]any{"index": 0, "total": 1},
		"routing":    map[string]any{"priority": "normal", "dup_suppress": true},
	}
}

// S1: happy local send. Enqueue succeeds and the row is visible via
// outgoing_chunks until delivered.
func TestScenarioS1HappyLocalSend(t *testing.T) {
	h := newTestHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/router/enqueue", sampleEnvelope("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", 5, "sender-a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Queued || resp.MsgID != "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa" {
		t.Fatalf("expected queued response, got %+v", resp)
	}

	rec = h.do(http.MethodGet, "/v1/router/outgoing_chunks?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("outgoing_chunks status: %d", rec.Code)
	}
	var out struct {
		Chunks []outgoingChunk `json:"chunks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outgoing_chunks: %v", err)
	}
	if len(out.Chunks) != 1 {
		t.Fatalf("expected 1 outstanding chunk, got %d", len(out.Chunks))
	}

	if err := h.store.MarkDelivered(context.Background(), out.Chunks[0].RowID); err != nil {
		t.Fatalf("mark_delivered: %v", err)
	}
	rec = h.do(http.MethodGet, "/v1/router/outgoing_chunks?limit=10", nil)
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Chunks) != 0 {
		t.Fatalf("delivered row should no longer appear, got %+v", out.Chunks)
	}
}

// S2: TTL expired on ingress.
func TestScenarioS2TTLExpiredOnIngress(t *testing.T) {
	h := newTestHarness(t, nil)

	body := map[string]any{
		"chunk":     sampleEnvelope("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", 0, "sender-b"),
		"link_meta": map[string]any{"peer": "link-peer", "rssi": -50.0},
	}
	rec := h.do(http.MethodPost, "/v1/router/on_chunk_received", body)
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", rec.Code, rec.Body.String())
	}
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &errBody)
	if errBody.Error.Code != "TTL_EXPIRED" {
		t.Fatalf("expected TTL_EXPIRED, got %+v", errBody)
	}
}

// S3: duplicate ingress. Second call with identical msg_id is dropped.
func TestScenarioS3DuplicateIngress(t *testing.T) {
	h := newTestHarness(t, func(c *config.Config) { c.ForwardingEnabled = false })

	body := map[string]any{
		"chunk":     sampleEnvelope("cccccccc-cccc-4ccc-8ccc-cccccccccccc", 5, "sender-c"),
		"link_meta": map[string]any{"peer": "link-peer", "rssi": -50.0},
	}
	rec := h.do(http.MethodPost, "/v1/router/on_chunk_received", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("first call status: %d: %s", rec.Code, rec.Body.String())
	}
	var first onChunkResponse
	json.Unmarshal(rec.Body.Bytes(), &first)
	if !first.Accepted || first.Action != "final" {
		t.Fatalf("expected first call to be accepted+final, got %+v", first)
	}

	rec = h.do(http.MethodPost, "/v1/router/on_chunk_received", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("second call status: %d", rec.Code)
	}
	var second onChunkResponse
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.Accepted || second.Action != "drop" {
		t.Fatalf("expected second call to be dropped as duplicate, got %+v", second)
	}
}

// Duplicate suppression durability (§9): a msg_id seen before a process
// restart is still rejected afterwards even though the IDS engine's
// in-memory map resets, because the replay log persisted it.
func TestDuplicateSuppressionSurvivesRestart(t *testing.T) {
	h := newTestHarness(t, func(c *config.Config) { c.ForwardingEnabled = false })

	body := map[string]any{
		"chunk":     sampleEnvelope("eeeeeeee-eeee-4eee-8eee-eeeeeeeeeeee", 5, "sender-e"),
		"link_meta": map[string]any{"peer": "link-peer", "rssi": -50.0},
	}
	rec := h.do(http.MethodPost, "/v1/router/on_chunk_received", body)
	var first onChunkResponse
	json.Unmarshal(rec.Body.Bytes(), &first)
	if !first.Accepted {
		t.Fatalf("expected first call to be accepted, got %+v", first)
	}

	// Simulate a process restart: fresh IDS engine and Server sharing the
	// same on-disk store, so the in-memory duplicate map is empty again.
	restartedEngine := ids.New(ids.Config{
		WindowSeconds:           h.server.Cfg.IDS.WindowSeconds,
		MaxMsgsPerWindow:        h.server.Cfg.IDS.MaxMsgsPerWindow,
		DuplicateSuppressionTTL: h.server.Cfg.IDS.DuplicateSuppressionTTL,
		BlockPeerAfter:          h.server.Cfg.IDS.BlockPeerAfter,
		BlockPeerTTLSeconds:     h.server.Cfg.IDS.BlockPeerTTLSeconds,
	}, nil, func() time.Time { return h.now })
	restarted := NewServer(h.store, restartedEngine, h.server.Cfg, nil)
	restarted.Now = func() time.Time { return h.now }
	h.router = NewRouter(restarted)

	rec = h.do(http.MethodPost, "/v1/router/on_chunk_received", body)
	var second onChunkResponse
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.Accepted || second.Action != "drop" {
		t.Fatalf("expected replayed msg_id to be dropped after restart, got %+v", second)
	}
}

// S4: storm/rate-limit. Only the first MAX_MSGS_PER_WINDOW ingress calls
// from one sender_fp are accepted within the window.
func TestScenarioS4RateLimitStorm(t *testing.T) {
	h := newTestHarness(t, func(c *config.Config) {
		c.IDS.MaxMsgsPerWindow = 5
		c.IDS.WindowSeconds = 5
		c.ForwardingEnabled = false
	})

	accepted := 0
	for i := 0; i < 40; i++ {
		msgID := fmt.Sprintf("dddddddd-dddd-4ddd-8ddd-dddddddddd%02d", i)
		body := map[string]any{
			"chunk":     sampleEnvelope(msgID, 5, "sender-storm"),
			"link_meta": map[string]any{"peer": "link-peer", "rssi": -50.0},
		}
		rec := h.do(http.MethodPost, "/v1/router/on_chunk_received", body)
		var resp onChunkResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Accepted {
			accepted++
		}
	}
	if accepted != 5 {
		t.Fatalf("expected exactly 5 accepted ingress calls, got %d", accepted)
	}
}

// S6: peer blocking and auto-unblock.
func TestScenarioS6PeerBlockingAndAutoUnblock(t *testing.T) {
	h := newTestHarness(t, func(c *config.Config) {
		c.IDS.BlockPeerAfter = 3
		c.IDS.BlockPeerTTLSeconds = 10
	})

	for i := 0; i < 3; i++ {
		h.server.IDS.LogSuspicious("DUPLICATE", "peer-p", "", "test", nil)
	}
	if !h.server.IDS.IsRateLimited("peer-p") {
		t.Fatalf("peer should be blocked after reaching block_peer_after")
	}

	h.now = h.now.Add(20 * time.Second)
	if h.server.IDS.IsRateLimited("peer-p") {
		t.Fatalf("peer should auto-unblock after block_peer_ttl_seconds with no further activity")
	}
}
