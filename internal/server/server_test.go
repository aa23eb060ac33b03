package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tandemly/voicerelay/internal/auth"
	"github.com/tandemly/voicerelay/internal/config"
	eventsmock "github.com/tandemly/voicerelay/internal/events/mock"
	"github.com/tandemly/voicerelay/internal/observe"
	"github.com/tandemly/voicerelay/internal/persist"
	persistmock "github.com/tandemly/voicerelay/internal/persist/mock"
	"github.com/tandemly/voicerelay/internal/relay"
)

// ─── Fakes for the provider leg ─────────────────────────────────────────────

type fakeUpstream struct {
	events chan relay.UpstreamEvent

	mu     sync.Mutex
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan relay.UpstreamEvent, 16)}
}

func (f *fakeUpstream) Events() <-chan relay.UpstreamEvent { return f.events }
func (f *fakeUpstream) SendAudio([]byte) error             { return nil }
func (f *fakeUpstream) SendInterrupt() error               { return nil }
func (f *fakeUpstream) SendConfig(float64, float64, int) error {
	return nil
}
func (f *fakeUpstream) Err() error { return nil }

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

type fakeDialer struct{}

func (fakeDialer) Dial(context.Context, string, string) (relay.UpstreamConn, error) {
	return newFakeUpstream(), nil
}

// ─── Harness ────────────────────────────────────────────────────────────────

const testSecret = "test-secret"

type harness struct {
	srv   *Server
	ts    *httptest.Server
	store *persistmock.Store
}

func newHarness(t *testing.T, mutate func(cfg *config.RelayConfig)) *harness {
	t.Helper()

	cfg := config.RelayConfig{
		PathPrefix:           "/ws/voice",
		MaxSessionsPerTenant: 50,
		MaxSessionDurationMs: config.DefaultMaxSessionDurationMs,
		HeartbeatIntervalMs:  config.DefaultHeartbeatIntervalMs,
		InactivityTimeoutMs:  config.DefaultInactivityTimeoutMs,
		MaxAudioBufferBytes:  1 << 20,
		WatchdogIntervalMs:   config.DefaultWatchdogIntervalMs,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &persistmock.Store{
		Sessions: map[string]persist.SessionRecord{
			"sess_1": {
				SessionID: "sess_1",
				TenantID:  "tenant_1",
				LearnerID: "learner_1",
				AgentID:   "agent_1",
				CreatedAt: time.Now(),
			},
			"sess_2": {
				SessionID: "sess_2",
				TenantID:  "tenant_1",
				LearnerID: "learner_1",
				AgentID:   "agent_1",
				CreatedAt: time.Now(),
			},
		},
	}

	core := &relay.Core{
		Logger:        logger,
		Metrics:       metrics,
		Store:         store,
		Events:        &eventsmock.Sink{},
		Dialer:        fakeDialer{},
		WordThreshold: config.DefaultWordThreshold,
	}

	srv := New(cfg, logger, metrics, auth.NewHMACVerifier(testSecret), store, core)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{srv: srv, ts: ts, store: store}
}

func (h *harness) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/voice"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func mintToken(t *testing.T, tenantID, learnerID string) string {
	t.Helper()
	tok, err := auth.NewHMACVerifier(testSecret).Mint(auth.Claims{
		TenantID:  tenantID,
		LearnerID: learnerID,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, h *harness, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, h.wsURL(token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// readUntil reads control messages until one matches typ.
func readUntil(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		kind, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if kind != websocket.MessageText {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

func startSession(t *testing.T, h *harness, sessionID string) *websocket.Conn {
	t.Helper()
	c := dialWS(t, h, mintToken(t, "tenant_1", "learner_1"))
	sendJSON(t, c, `{"type":"session.start","sessionId":"`+sessionID+`"}`)
	ready := readUntil(t, c, "session.ready")
	if ready["sessionId"] != sessionID {
		t.Fatalf("ready for %v, want %s", ready["sessionId"], sessionID)
	}
	return c
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestUpgradeRequiresToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/ws/voice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestUpgradeRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tok := mintToken(t, "tenant_1", "learner_1") + "x"
	resp, err := http.Get(h.ts.URL + "/ws/voice?token=" + tok)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionHandshake(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := startSession(t, h, "sess_1")

	state := readUntil(t, c, "agent.state")
	if state["state"] != "waiting" {
		t.Errorf("agent state = %v, want waiting", state["state"])
	}
	if h.srv.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", h.srv.ActiveSessions())
	}

	sendJSON(t, c, `{"type":"session.stop"}`)
	end := readUntil(t, c, "session.end")
	if end["reason"] != "user_ended" {
		t.Errorf("reason = %v", end["reason"])
	}

	// The handler deregisters once the run finishes.
	deadline := time.Now().Add(3 * time.Second)
	for h.srv.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.srv.ActiveSessions() != 0 {
		t.Error("session never deregistered")
	}
}

func TestSessionIDFromPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/voice/sess_1?token=" +
		mintToken(t, "tenant_1", "learner_1")
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })

	// session.start without a sessionId; the path segment supplies it.
	sendJSON(t, c, `{"type":"session.start"}`)
	ready := readUntil(t, c, "session.ready")
	if ready["sessionId"] != "sess_1" {
		t.Errorf("sessionId = %v, want sess_1", ready["sessionId"])
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := dialWS(t, h, mintToken(t, "tenant_1", "learner_1"))
	sendJSON(t, c, `{"type":"session.start","sessionId":"sess_missing"}`)

	msg := readUntil(t, c, "error")
	if msg["code"] != "SESSION_START_FAILED" {
		t.Errorf("code = %v", msg["code"])
	}
}

func TestControlBeforeSessionStartIsRecoverable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := dialWS(t, h, mintToken(t, "tenant_1", "learner_1"))
	sendJSON(t, c, `{"type":"ping"}`)

	msg := readUntil(t, c, "error")
	if msg["code"] != "NO_ACTIVE_SESSION" {
		t.Errorf("code = %v", msg["code"])
	}
	if msg["recoverable"] != true {
		t.Errorf("recoverable = %v, want true", msg["recoverable"])
	}

	// The connection survives; session.start still goes through.
	sendJSON(t, c, `{"type":"session.start","sessionId":"sess_1"}`)
	ready := readUntil(t, c, "session.ready")
	if ready["sessionId"] != "sess_1" {
		t.Errorf("sessionId = %v, want sess_1", ready["sessionId"])
	}
}

func TestTenantMismatchRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := dialWS(t, h, mintToken(t, "tenant_2", "learner_9"))
	sendJSON(t, c, `{"type":"session.start","sessionId":"sess_1"}`)

	msg := readUntil(t, c, "error")
	if msg["code"] != "UNAUTHORIZED" {
		t.Errorf("code = %v", msg["code"])
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_ = startSession(t, h, "sess_1")

	c2 := dialWS(t, h, mintToken(t, "tenant_1", "learner_1"))
	sendJSON(t, c2, `{"type":"session.start","sessionId":"sess_1"}`)
	msg := readUntil(t, c2, "error")
	if msg["code"] != "SESSION_ALREADY_ACTIVE" {
		t.Errorf("code = %v", msg["code"])
	}
}

func TestTenantQuotaEnforced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.RelayConfig) {
		cfg.MaxSessionsPerTenant = 1
	})
	_ = startSession(t, h, "sess_1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c2, resp, err := websocket.Dial(ctx, h.wsURL(mintToken(t, "tenant_1", "learner_1")), nil)
	if err == nil {
		_ = c2.CloseNow()
		t.Fatal("second dial succeeded over quota")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("response = %+v, want 429", resp)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_ = startSession(t, h, "sess_1")

	resp, err := http.Get(h.ts.URL + "/ws/stats")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.Tenants["tenant_1"] != 1 {
		t.Errorf("tenants = %v", stats.Tenants)
	}
	if len(stats.Sessions) != 1 || stats.Sessions[0].SessionID != "sess_1" {
		t.Errorf("sessions = %+v", stats.Sessions)
	}
}

func TestStatsIncludeEndedSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := startSession(t, h, "sess_1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sendJSON(t, c, `{"type":"session.stop"}`)
	readUntil(t, c, "session.end")

	deadline := time.Now().Add(3 * time.Second)
	for h.srv.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.srv.ActiveSessions() != 0 {
		t.Fatal("session never deregistered")
	}

	resp, err := http.Get(h.ts.URL + "/ws/stats")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalSessions != 1 {
		t.Errorf("total_sessions = %d, want 1", stats.TotalSessions)
	}
	// The finished session's traffic still counts.
	if stats.BytesReceived != 4 {
		t.Errorf("bytes_received = %d, want 4", stats.BytesReceived)
	}
	if stats.ActiveSessions != 0 {
		t.Errorf("active_sessions = %d, want 0", stats.ActiveSessions)
	}
}

func TestWatchdogEndsOverlongSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.RelayConfig) {
		cfg.MaxSessionDurationMs = 50
	})
	c := startSession(t, h, "sess_1")

	time.Sleep(120 * time.Millisecond)
	h.srv.sweep()

	end := readUntil(t, c, "session.end")
	if end["reason"] != "timeout" {
		t.Errorf("reason = %v, want timeout", end["reason"])
	}
}

func TestWatchdogEndsInactiveSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.RelayConfig) {
		cfg.InactivityTimeoutMs = 50
	})
	c := startSession(t, h, "sess_1")

	// A sweep inside the inactivity window leaves the session alone.
	h.srv.sweep()
	if h.srv.ActiveSessions() != 1 {
		t.Fatalf("active = %d, want 1", h.srv.ActiveSessions())
	}

	time.Sleep(120 * time.Millisecond)
	h.srv.sweep()

	end := readUntil(t, c, "session.end")
	if end["reason"] != "timeout" {
		t.Errorf("reason = %v, want timeout", end["reason"])
	}
}

func TestShutdownEndsActiveSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c := startSession(t, h, "sess_1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	end := readUntil(t, c, "session.end")
	if end["reason"] != "completed" {
		t.Errorf("reason = %v", end["reason"])
	}

	// A drained server refuses new upgrades.
	resp, err := http.Get(h.ts.URL + "/ws/voice?token=" + mintToken(t, "tenant_1", "learner_1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestConcurrentSessionsSameTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c1 := startSession(t, h, "sess_1")
	c2 := startSession(t, h, "sess_2")

	if h.srv.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", h.srv.ActiveSessions())
	}

	sendJSON(t, c1, `{"type":"session.stop"}`)
	readUntil(t, c1, "session.end")
	sendJSON(t, c2, `{"type":"session.stop"}`)
	readUntil(t, c2, "session.end")
}
