// Package server owns the HTTP surface of the relay: it authenticates and
// admits WebSocket upgrades, enforces per-tenant session quotas, hands each
// admitted connection to a relay run, and sweeps stale sessions with a
// watchdog. It also serves a JSON stats endpoint over the active-session
// registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tandemly/voicerelay/internal/auth"
	"github.com/tandemly/voicerelay/internal/config"
	"github.com/tandemly/voicerelay/internal/observe"
	"github.com/tandemly/voicerelay/internal/persist"
	"github.com/tandemly/voicerelay/internal/protocol"
	"github.com/tandemly/voicerelay/internal/relay"
	"github.com/tandemly/voicerelay/internal/session"
)

// handshakeTimeout bounds the wait for the opening session.start frame.
const handshakeTimeout = 10 * time.Second

// maxLearnerFrame caps inbound learner frames. Audio arrives in small PCM
// chunks; anything near this size is a protocol violation.
const maxLearnerFrame = 1 << 20

// Server admits learner WebSocket connections and supervises their runs.
type Server struct {
	cfg      config.RelayConfig
	logger   *slog.Logger
	metrics  *observe.Metrics
	verifier auth.Verifier
	store    persist.Store
	core     *relay.Core

	startedAt time.Time

	mu            sync.Mutex
	active        map[string]*relay.Run
	byTenant      map[string]int
	totalSessions int64
	draining      bool

	// Accumulated at deregistration so stats keep counting finished
	// sessions, not just the ones currently registered.
	endedSessions      int64
	endedBytesReceived int64
	endedBytesSent     int64
	endedDuration      time.Duration
}

// New builds a Server around a relay core and its collaborators.
func New(cfg config.RelayConfig, logger *slog.Logger, metrics *observe.Metrics,
	verifier auth.Verifier, store persist.Store, core *relay.Core) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		verifier:  verifier,
		store:     store,
		core:      core,
		startedAt: time.Now(),
		active:    make(map[string]*relay.Run),
		byTenant:  make(map[string]int),
	}
}

// Register mounts the WebSocket and stats endpoints on mux. The session id
// may ride in the path segment, the sessionId query parameter, or the
// session.start message itself.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.PathPrefix, s.handleWS)
	mux.HandleFunc(s.cfg.PathPrefix+"/{sessionID}", s.handleWS)
	mux.HandleFunc("GET /ws/stats", s.handleStats)
}

// ActiveSessions returns the number of sessions currently registered.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ─── WebSocket admission ────────────────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := auth.TokenFromRequest(r)
	if err != nil {
		writeHTTPError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing bearer token")
		return
	}
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		s.logger.Warn("token rejected", "error", err)
		writeHTTPError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid token")
		return
	}

	s.mu.Lock()
	draining := s.draining
	overQuota := s.byTenant[claims.TenantID] >= s.cfg.MaxSessionsPerTenant
	s.mu.Unlock()
	if draining {
		writeHTTPError(w, http.StatusServiceUnavailable, protocol.CodeSessionStartFailed, "server is shutting down")
		return
	}
	if overQuota {
		s.metrics.RecordReject(ctx, "tenant_quota")
		writeHTTPError(w, http.StatusTooManyRequests, protocol.CodeTenantOverQuota,
			"tenant concurrent session limit reached")
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxLearnerFrame)
	learner := newLearnerConn(ws)

	hint := r.PathValue("sessionID")
	if hint == "" {
		hint = r.URL.Query().Get("sessionId")
	}
	run, err := s.admit(ctx, learner, claims, hint)
	if err != nil {
		return
	}
	defer s.deregister(run)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeat(hbCtx, run, learner)

	// Blocks until the session ends. Returning from the handler tears down
	// the hijacked connection, so the run must finish first.
	if err := run.Execute(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("session run failed", "session_id", run.Session().ID, "error", err)
	}
}

// admit consumes the opening session.start frame, validates it against the
// persisted session record, and registers a run. On failure the learner has
// already received an error message and the socket is closed. urlHint is the
// session id carried in the URL, if any; it must agree with session.start.
func (s *Server) admit(ctx context.Context, learner *learnerConn, claims auth.Claims, urlHint string) (*relay.Run, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var msg *protocol.ClientMessage
	for msg == nil {
		frame, err := learner.ReadFrame(hctx)
		if err != nil {
			_ = learner.Close("no session.start received")
			return nil, err
		}
		if frame.Binary {
			return nil, s.reject(hctx, learner, protocol.CodeSessionStartFailed,
				"expected a session.start control message")
		}
		m, err := protocol.DecodeClient(frame.Data)
		if err != nil {
			if m != nil {
				_ = learner.WriteJSON(hctx, protocol.NewError(protocol.CodeUnknownMessage,
					err.Error(), ""))
				continue
			}
			return nil, s.reject(hctx, learner, protocol.CodeSessionStartFailed,
				"expected a session.start control message")
		}
		if m.Type != protocol.TypeSessionStart {
			// Recoverable: session.start may still arrive within the
			// handshake window.
			_ = learner.WriteJSON(hctx, protocol.NewError(protocol.CodeNoActiveSession,
				"no active session on this connection; send session.start", ""))
			continue
		}
		msg = m
	}
	if msg.SessionID == "" {
		msg.SessionID = urlHint
	}
	if msg.SessionID == "" {
		return nil, s.reject(hctx, learner, protocol.CodeSessionStartFailed,
			"session.start requires a sessionId")
	}
	if urlHint != "" && urlHint != msg.SessionID {
		return nil, s.reject(hctx, learner, protocol.CodeSessionStartFailed,
			"sessionId in URL and session.start disagree")
	}
	if claims.SessionHint != "" && claims.SessionHint != msg.SessionID {
		return nil, s.reject(hctx, learner, protocol.CodeUnauthorized,
			"token is not valid for this session")
	}

	rec, err := s.store.LoadSession(hctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, s.reject(hctx, learner, protocol.CodeSessionStartFailed, "unknown session")
		}
		s.logger.Error("session lookup failed", "session_id", msg.SessionID, "error", err)
		return nil, s.reject(hctx, learner, protocol.CodeSessionStartFailed, "session lookup failed")
	}
	if rec.TenantID != claims.TenantID {
		return nil, s.reject(hctx, learner, protocol.CodeUnauthorized,
			"session belongs to another tenant")
	}

	sess := session.New(rec.SessionID, rec.TenantID, rec.LearnerID, rec.AgentID,
		s.sessionConfig(rec, msg.Audio), s.cfg.MaxAudioBufferBytes)
	run := s.core.NewRun(sess, learner)

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, s.reject(hctx, learner, protocol.CodeSessionStartFailed, "server is shutting down")
	}
	if _, exists := s.active[rec.SessionID]; exists {
		s.mu.Unlock()
		return nil, s.reject(hctx, learner, protocol.CodeSessionAlreadyActive,
			"session is already active on another connection")
	}
	if s.byTenant[claims.TenantID] >= s.cfg.MaxSessionsPerTenant {
		s.mu.Unlock()
		s.metrics.RecordReject(hctx, "tenant_quota")
		return nil, s.reject(hctx, learner, protocol.CodeTenantOverQuota,
			"tenant concurrent session limit reached")
	}
	s.active[rec.SessionID] = run
	s.byTenant[claims.TenantID]++
	s.totalSessions++
	s.mu.Unlock()

	s.metrics.RecordSessionStarted(ctx, claims.TenantID)
	s.logger.Info("session admitted",
		"session_id", rec.SessionID,
		"tenant_id", rec.TenantID,
		"learner_id", rec.LearnerID,
		"agent_id", rec.AgentID,
	)
	return run, nil
}

// sessionConfig merges the server defaults, the persisted record, and the
// audio format requested in session.start.
func (s *Server) sessionConfig(rec *persist.SessionRecord, audio *protocol.AudioConfig) session.Config {
	cfg := session.DefaultConfig()
	if audio != nil {
		if audio.Format != "" {
			cfg.AudioFormat = audio.Format
		}
		if audio.SampleRate > 0 {
			cfg.SampleRate = audio.SampleRate
		}
		if audio.Channels > 0 {
			cfg.Channels = audio.Channels
		}
	}
	cfg.MaxDurationMs = rec.MaxDurationMs
	if cfg.MaxDurationMs <= 0 {
		cfg.MaxDurationMs = s.cfg.MaxSessionDurationMs
	}
	cfg.WebsocketURL = rec.WebsocketURL
	return cfg
}

func (s *Server) deregister(run *relay.Run) {
	sess := run.Session()
	m := sess.MetricsSnapshot()
	lifetime := time.Since(sess.StartedAt())

	s.mu.Lock()
	if _, ok := s.active[sess.ID]; ok {
		delete(s.active, sess.ID)
		if s.byTenant[sess.TenantID] > 0 {
			s.byTenant[sess.TenantID]--
		}
		if s.byTenant[sess.TenantID] == 0 {
			delete(s.byTenant, sess.TenantID)
		}
		s.endedSessions++
		s.endedBytesReceived += m.BytesReceived
		s.endedBytesSent += m.BytesSent
		s.endedDuration += lifetime
	}
	s.mu.Unlock()
}

// reject sends one error control message and closes the socket.
func (s *Server) reject(ctx context.Context, learner *learnerConn, code protocol.ErrorCode, message string) error {
	_ = learner.WriteJSON(ctx, protocol.NewError(code, message, ""))
	_ = learner.Close(message)
	return errors.New("server: " + message)
}

// ─── Liveness ───────────────────────────────────────────────────────────────

// heartbeat sends WebSocket-level pings until the run finishes. A learner
// that stops answering ends the session with a timeout.
func (s *Server) heartbeat(ctx context.Context, run *relay.Run, learner *learnerConn) {
	interval := s.cfg.HeartbeatInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-run.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := learner.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Info("heartbeat lost", "session_id", run.Session().ID, "error", err)
				run.Shutdown(protocol.ReasonTimeout)
				return
			}
		}
	}
}

// Watchdog sweeps the registry until ctx is cancelled, ending sessions that
// exceeded their duration cap or went inactive.
func (s *Server) Watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := time.Now()
	inactivity := s.cfg.InactivityTimeout()

	s.mu.Lock()
	runs := make([]*relay.Run, 0, len(s.active))
	for _, run := range s.active {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		sess := run.Session()
		maxAge := time.Duration(sess.Config().MaxDurationMs) * time.Millisecond
		switch {
		case maxAge > 0 && now.Sub(sess.StartedAt()) > maxAge:
			s.logger.Info("session exceeded max duration", "session_id", sess.ID)
			run.Shutdown(protocol.ReasonTimeout)
		case inactivity > 0 && now.Sub(sess.LastActivity()) > inactivity:
			s.logger.Info("session inactive", "session_id", sess.ID)
			run.Shutdown(protocol.ReasonTimeout)
		}
	}
}

// Shutdown stops admitting connections, ends every active session, and waits
// for the runs to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	runs := make([]*relay.Run, 0, len(s.active))
	for _, run := range s.active {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.Shutdown(protocol.ReasonCompleted)
	}
	for _, run := range runs {
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ─── Stats ──────────────────────────────────────────────────────────────────

type sessionStats struct {
	SessionID        string    `json:"session_id"`
	TenantID         string    `json:"tenant_id"`
	State            string    `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	LastActivity     time.Time `json:"last_activity"`
	TurnCount        int       `json:"turn_count"`
	BytesReceived    int64     `json:"bytes_received"`
	BytesSent        int64     `json:"bytes_sent"`
	AverageLatencyMs float64   `json:"average_latency_ms,omitempty"`
	ErrorCount       int       `json:"error_count,omitempty"`
}

type statsResponse struct {
	UptimeSeconds        int64          `json:"uptime_seconds"`
	ActiveSessions       int            `json:"active_sessions"`
	TotalSessions        int64          `json:"total_sessions"`
	Tenants              map[string]int `json:"tenants"`
	ByState              map[string]int `json:"by_state,omitempty"`
	BytesReceived        int64          `json:"bytes_received"`
	BytesSent            int64          `json:"bytes_sent"`
	AvgSessionDurationMs int64          `json:"avg_session_duration_ms"`
	Sessions             []sessionStats `json:"sessions"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := statsResponse{
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ActiveSessions: len(s.active),
		TotalSessions:  s.totalSessions,
		Tenants:        make(map[string]int, len(s.byTenant)),
		ByState:        make(map[string]int),
		Sessions:       make([]sessionStats, 0, len(s.active)),
	}
	for tenant, n := range s.byTenant {
		resp.Tenants[tenant] = n
	}
	runs := make([]*relay.Run, 0, len(s.active))
	for _, run := range s.active {
		runs = append(runs, run)
	}
	resp.BytesReceived = s.endedBytesReceived
	resp.BytesSent = s.endedBytesSent
	durationSum := s.endedDuration
	sessionCount := s.endedSessions
	s.mu.Unlock()

	now := time.Now()
	for _, run := range runs {
		sess := run.Session()
		m := sess.MetricsSnapshot()
		durationSum += now.Sub(sess.StartedAt())
		st := sessionStats{
			SessionID:     sess.ID,
			TenantID:      sess.TenantID,
			State:         string(sess.State()),
			StartedAt:     sess.StartedAt(),
			LastActivity:  sess.LastActivity(),
			TurnCount:     m.TurnCount,
			BytesReceived: m.BytesReceived,
			BytesSent:     m.BytesSent,
			ErrorCount:    len(m.Errors),
		}
		if len(m.LatencySamples) > 0 {
			var sum int64
			for _, v := range m.LatencySamples {
				sum += v
			}
			st.AverageLatencyMs = float64(sum) / float64(len(m.LatencySamples))
		}
		resp.ByState[st.State]++
		resp.BytesReceived += m.BytesReceived
		resp.BytesSent += m.BytesSent
		resp.Sessions = append(resp.Sessions, st)
	}
	sessionCount += int64(len(runs))
	if sessionCount > 0 {
		resp.AvgSessionDurationMs = (durationSum / time.Duration(sessionCount)).Milliseconds()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("stats encode failed", "error", err)
	}
}

func writeHTTPError(w http.ResponseWriter, status int, code protocol.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.NewError(code, message, ""))
}
