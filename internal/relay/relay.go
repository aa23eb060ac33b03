// Package relay runs the per-session message loop: it pumps audio and
// control messages between the learner socket and the provider leg, drives
// the session state machine, tracks turns, schedules pronunciation
// assessments, and tears the session down exactly once.
//
// Ordering guarantee: all control-message emissions about a turn happen
// under a per-run mutex held across the mutate-then-emit sequence, so the
// learner never sees messages about turn N+1 interleaved with turn N.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tandemly/voicerelay/internal/assess"
	"github.com/tandemly/voicerelay/internal/events"
	"github.com/tandemly/voicerelay/internal/observe"
	"github.com/tandemly/voicerelay/internal/persist"
	"github.com/tandemly/voicerelay/internal/protocol"
	"github.com/tandemly/voicerelay/internal/session"
	"github.com/tandemly/voicerelay/internal/upstream"
)

const (
	persistTimeout = 5 * time.Second
	assessTimeout  = 15 * time.Second
)

// Core bundles the collaborators shared by every session run.
type Core struct {
	Logger   *slog.Logger
	Metrics  *observe.Metrics
	Store    persist.Store
	Events   events.Sink
	Assessor assess.Assessor // nil disables pronunciation assessment
	Dialer   Dialer

	// WordThreshold selects which word scores trigger inline feedback.
	WordThreshold float64
}

// Run is one live session's relay loop. Obtain via [Core.NewRun], drive with
// [Run.Execute], and interrupt from outside with [Run.Shutdown].
type Run struct {
	core    *Core
	sess    *session.Session
	learner LearnerConn
	up      UpstreamConn

	// emitMu serializes every mutate-then-emit sequence.
	emitMu sync.Mutex

	endOnce sync.Once
	cancel  context.CancelFunc
	done    chan struct{}

	// sideWG tracks the background goroutines a run spawns: turn
	// persistence and pronunciation assessment. Execute waits for them
	// before signalling Done.
	sideWG sync.WaitGroup
}

// NewRun binds a session and its learner socket to the relay core.
func (c *Core) NewRun(sess *session.Session, learner LearnerConn) *Run {
	return &Run{
		core:    c,
		sess:    sess,
		learner: learner,
		done:    make(chan struct{}),
	}
}

// Done is closed when the run has fully torn down.
func (r *Run) Done() <-chan struct{} { return r.done }

// Session returns the session record this run drives.
func (r *Run) Session() *session.Session { return r.sess }

// Execute dials the provider and pumps both legs until the session ends.
// It always leaves the session in the closed state.
func (r *Run) Execute(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()
	defer close(r.done)

	log := r.core.Logger.With("session_id", r.sess.ID, "tenant_id", r.sess.TenantID)

	dialStart := time.Now()
	up, err := r.core.Dialer.Dial(ctx, r.sess.AgentID, r.sess.Config().WebsocketURL)
	r.core.Metrics.UpstreamDialDuration.Record(ctx, time.Since(dialStart).Seconds())
	if err != nil {
		log.Error("upstream dial failed", "error", err)
		r.core.Metrics.RecordError(ctx, string(protocol.CodeUpstreamConnect))
		r.sess.RecordError(string(protocol.CodeUpstreamConnect), err.Error())
		r.writeJSON(ctx, protocol.NewError(protocol.CodeUpstreamConnect,
			"could not reach the conversation agent", r.sess.ID))
		r.sess.Transition(session.StateEnding)
		r.sess.Transition(session.StateClosed)
		r.core.Metrics.RecordSessionEnded(ctx, r.sess.TenantID, string(protocol.ReasonError))
		_ = r.learner.Close("upstream connect failed")
		return err
	}
	r.up = up

	r.emitMu.Lock()
	r.sess.Transition(session.StateReady)
	r.writeJSON(ctx, protocol.Ready{
		Type:      protocol.TypeSessionReady,
		SessionID: r.sess.ID,
		AgentID:   r.sess.AgentID,
	})
	r.writeJSON(ctx, protocol.AgentStateMsg{Type: protocol.TypeAgentState, State: protocol.AgentWaiting})
	r.emitMu.Unlock()

	if err := r.core.Events.Publish(ctx, events.TopicSessionStarted, events.SessionStarted{
		SessionID: r.sess.ID,
		TenantID:  r.sess.TenantID,
		LearnerID: r.sess.LearnerID,
		AgentID:   r.sess.AgentID,
		StartedAt: r.sess.StartedAt(),
	}); err != nil {
		log.Warn("event publish failed", "topic", events.TopicSessionStarted, "error", err)
	}
	log.Info("session ready", "agent_id", r.sess.AgentID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.learnerPump(gctx) })
	g.Go(func() error { return r.upstreamPump(gctx) })
	pumpErr := g.Wait()

	// Normal paths end the session inside a pump; this covers parent
	// context cancellation (server shutdown).
	r.endSession(protocol.ReasonCompleted)
	r.sideWG.Wait()
	return pumpErr
}

// Shutdown ends the session from outside the pumps (watchdog timeouts,
// server drain). Safe to call at any time, including repeatedly.
func (r *Run) Shutdown(reason protocol.EndReason) {
	r.endSession(reason)
}

// ─── Learner pump ───────────────────────────────────────────────────────────

func (r *Run) learnerPump(ctx context.Context) error {
	for {
		frame, err := r.learner.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Learner went away without session.stop.
			r.endSession(protocol.ReasonUserEnded)
			return nil
		}
		if frame.Binary {
			r.handleLearnerAudio(ctx, frame.Data)
		} else {
			r.handleControl(ctx, frame.Data)
		}
		if r.sess.Closed() {
			return nil
		}
	}
}

func (r *Run) handleLearnerAudio(ctx context.Context, chunk []byte) {
	r.sess.Touch()
	r.sess.AddBytesReceived(len(chunk))
	r.core.Metrics.RecordAudio(ctx, "in", int64(len(chunk)))

	r.emitMu.Lock()
	r.ensureTurnLocked(ctx, protocol.SpeakerLearner)
	r.emitMu.Unlock()

	r.sess.BufferAudio(chunk)
	if err := r.up.SendAudio(chunk); err != nil {
		r.failUpstream(ctx, err)
	}
}

func (r *Run) handleControl(ctx context.Context, data []byte) {
	r.sess.Touch()

	msg, err := protocol.DecodeClient(data)
	if err != nil {
		code := protocol.CodeMessageProcessing
		if msg != nil {
			code = protocol.CodeUnknownMessage
		}
		r.core.Metrics.RecordError(ctx, string(code))
		r.sess.RecordError(string(code), err.Error())
		r.emit(ctx, protocol.NewError(code, err.Error(), r.sess.ID))
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		// The connection-opening session.start is consumed by the server;
		// any further one is a duplicate.
		r.emit(ctx, protocol.NewError(protocol.CodeSessionAlreadyActive,
			"session is already active", r.sess.ID))

	case protocol.TypeSessionStop:
		reason := msg.Reason
		if reason == "" {
			reason = protocol.ReasonUserEnded
		}
		r.endSession(reason)

	case protocol.TypeSessionConfig:
		cfg := r.sess.ApplyTunable(msg.Config)
		if err := r.up.SendConfig(cfg.VADSensitivity, cfg.InterruptionThreshold, cfg.TurnTimeoutMs); err != nil {
			r.core.Logger.Warn("config forward failed", "session_id", r.sess.ID, "error", err)
		}

	case protocol.TypeSessionInterrupt:
		if err := r.up.SendInterrupt(); err != nil {
			r.failUpstream(ctx, err)
			return
		}
		r.emitMu.Lock()
		r.ensureTurnLocked(ctx, protocol.SpeakerLearner)
		r.emitMu.Unlock()

	case protocol.TypeSessionTranscript:
		r.emitMu.Lock()
		for _, t := range r.sess.Turns() {
			r.writeJSON(ctx, protocol.Transcript{
				Type:     protocol.TypeTranscript,
				TurnID:   t.ID,
				Speaker:  t.Speaker,
				Text:     t.FinalTranscript,
				IsFinal:  true,
				Language: t.Language,
			})
		}
		r.emitMu.Unlock()

	case protocol.TypePing:
		now := time.Now().UnixMilli()
		pong := protocol.Pong{
			Type:            protocol.TypePong,
			Timestamp:       msg.Timestamp,
			ServerTimestamp: now,
		}
		if msg.Timestamp > 0 {
			pong.LatencyMs = now - msg.Timestamp
			r.sess.RecordLatency(pong.LatencyMs)
			r.core.Metrics.PingLatency.Record(ctx, float64(pong.LatencyMs)/1000)
		}
		r.emit(ctx, pong)
	}
}

// ─── Upstream pump ──────────────────────────────────────────────────────────

func (r *Run) upstreamPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-r.up.Events():
			if !ok {
				if err := r.up.Err(); err != nil {
					r.failUpstream(ctx, err)
				} else {
					r.endSession(protocol.ReasonCompleted)
				}
				return nil
			}
			r.handleUpstreamEvent(ctx, evt)
			if r.sess.Closed() {
				return nil
			}
		}
	}
}

func (r *Run) handleUpstreamEvent(ctx context.Context, evt UpstreamEvent) {
	switch evt.Type {
	case upstream.EventAudio:
		if evt.SampleRate > 0 {
			r.sess.SetSampleRate(evt.SampleRate)
		}
		r.emitMu.Lock()
		r.ensureTurnLocked(ctx, protocol.SpeakerAgent)
		r.emitMu.Unlock()

		if err := r.learner.WriteBinary(ctx, evt.Audio); err != nil {
			if ctx.Err() == nil {
				r.endSession(protocol.ReasonError)
			}
			return
		}
		r.sess.AddBytesSent(len(evt.Audio))
		r.core.Metrics.RecordAudio(ctx, "out", int64(len(evt.Audio)))

	case upstream.EventTranscript:
		r.emitMu.Lock()
		r.ensureTurnLocked(ctx, protocol.SpeakerAgent)
		turn, ok := r.sess.AppendPartial(protocol.SpeakerAgent, evt.Text, evt.Language)
		if ok {
			r.writeJSON(ctx, protocol.Transcript{
				Type:    protocol.TypeTranscript,
				TurnID:  turn.ID,
				Speaker: protocol.SpeakerAgent,
				Text:    evt.Text,
				IsFinal: false,
			})
		}
		r.emitMu.Unlock()

	case upstream.EventAgentResponse:
		r.emitMu.Lock()
		r.ensureTurnLocked(ctx, protocol.SpeakerAgent)
		turn, ok := r.sess.AppendPartial(protocol.SpeakerAgent, evt.Text, evt.Language)
		if ok {
			r.writeJSON(ctx, protocol.Transcript{
				Type:    protocol.TypeTranscript,
				TurnID:  turn.ID,
				Speaker: protocol.SpeakerAgent,
				Text:    evt.Text,
				IsFinal: true,
			})
		}
		r.emitMu.Unlock()

	case upstream.EventUserTranscript:
		r.emitMu.Lock()
		r.ensureTurnLocked(ctx, protocol.SpeakerLearner)
		turn, ok := r.sess.AppendPartial(protocol.SpeakerLearner, evt.Text, evt.Language)
		if ok {
			r.writeJSON(ctx, protocol.Transcript{
				Type:     protocol.TypeTranscript,
				TurnID:   turn.ID,
				Speaker:  protocol.SpeakerLearner,
				Text:     evt.Text,
				IsFinal:  evt.IsFinal,
				Language: evt.Language,
			})
		}
		r.emitMu.Unlock()

	case upstream.EventInterruption:
		r.emitMu.Lock()
		if cur := r.sess.CurrentTurn(); cur != nil && cur.Speaker == protocol.SpeakerAgent {
			r.finishTurnLocked(ctx, r.sess.EndCurrentTurn())
		}
		r.ensureTurnLocked(ctx, protocol.SpeakerLearner)
		r.emitMu.Unlock()

	case upstream.EventTurnEnd:
		r.emitMu.Lock()
		r.finishTurnLocked(ctx, r.sess.EndCurrentTurn())
		r.transitionLocked(ctx, session.StateReady)
		r.emitMu.Unlock()

	case upstream.EventEnd:
		r.endSession(protocol.ReasonCompleted)
	}
}

// ─── Turn and state helpers (callers hold emitMu) ───────────────────────────

// ensureTurnLocked opens a turn for speaker when none is open, finalizing a
// mismatched one first, and moves the state machine to the matching
// speaking state.
func (r *Run) ensureTurnLocked(ctx context.Context, speaker protocol.Speaker) {
	closed, opened := r.sess.StartTurn(speaker)
	if closed != nil {
		r.finishTurnLocked(ctx, closed)
	}
	if opened != nil {
		r.writeJSON(ctx, protocol.TurnStart{
			Type:     protocol.TypeTurnStart,
			TurnID:   opened.ID,
			Speaker:  opened.Speaker,
			Sequence: opened.Sequence,
		})
	}
	target := session.StateAgentSpeaking
	if speaker == protocol.SpeakerLearner {
		target = session.StateLearnerSpeaking
	}
	r.transitionLocked(ctx, target)
}

// finishTurnLocked emits turn.end for a finalized turn, persists it, and
// hands closed learner turns to the assessment pipeline.
func (r *Run) finishTurnLocked(ctx context.Context, closed *session.Turn) {
	if closed == nil {
		return
	}
	r.writeJSON(ctx, protocol.TurnEnd{
		Type:       protocol.TypeTurnEnd,
		TurnID:     closed.ID,
		Speaker:    closed.Speaker,
		Sequence:   closed.Sequence,
		DurationMs: closed.DurationMs(),
		Transcript: closed.FinalTranscript,
	})
	r.core.Metrics.RecordTurn(ctx, string(closed.Speaker))

	// Persistence leaves the hot path: emitMu is held here and the store
	// may be slow.
	r.sideWG.Add(1)
	go func() {
		defer r.sideWG.Done()
		r.persistTurn(closed, nil)
	}()

	r.scheduleAssessment(closed)
}

// transitionLocked moves the state machine and, on an actual change,
// reports the new outward-facing agent state.
func (r *Run) transitionLocked(ctx context.Context, to session.State) {
	if r.sess.Transition(to) {
		r.writeJSON(ctx, protocol.AgentStateMsg{
			Type:  protocol.TypeAgentState,
			State: to.AgentState(),
		})
	}
}

// ─── Assessment ─────────────────────────────────────────────────────────────

// scheduleAssessment drains the buffered learner audio and scores the turn
// off the hot path. Failures are logged and never affect the session.
func (r *Run) scheduleAssessment(turn *session.Turn) {
	if turn == nil || turn.Speaker != protocol.SpeakerLearner {
		return
	}
	if r.core.Assessor == nil || !r.sess.Config().PronunciationFeedback {
		return
	}
	audio := r.sess.DrainAudio()
	if len(audio) == 0 || turn.FinalTranscript == "" {
		return
	}

	r.sideWG.Add(1)
	go func() {
		defer r.sideWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), assessTimeout)
		defer cancel()

		start := time.Now()
		res, err := r.core.Assessor.Assess(ctx, assess.Request{
			Audio:      audio,
			SampleRate: r.sess.Config().SampleRate,
			Expected:   turn.FinalTranscript,
			Language:   turn.Language,
		})
		r.core.Metrics.AssessmentDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			r.core.Logger.Warn("assessment failed",
				"session_id", r.sess.ID, "turn_id", turn.ID, "error", err)
			return
		}

		r.sess.SetAssessment(turn.ID, res)
		r.persistTurn(turn, &res)

		r.emitMu.Lock()
		defer r.emitMu.Unlock()
		if r.sess.Closed() {
			return
		}
		r.writeJSON(ctx, protocol.Assessment{
			Type:         protocol.TypeAssessment,
			TurnID:       turn.ID,
			OverallScore: res.OverallScore,
			FluencyScore: res.FluencyScore,
			Words:        res.Words,
			Transcript:   res.Recognized,
		})
		for _, w := range res.Words {
			if w.Score >= r.core.WordThreshold {
				continue
			}
			r.writeJSON(ctx, protocol.PronunciationFeedback{
				Type:       protocol.TypePronunciation,
				TurnID:     turn.ID,
				Word:       w.Word,
				Score:      w.Score,
				Suggestion: suggestionFor(w.Issue),
			})
		}
	}()
}

func suggestionFor(issue string) string {
	switch issue {
	case "missing":
		return "this word was not heard; try saying it on its own"
	case "mispronounced":
		return "listen to the word again and repeat it slowly"
	default:
		return ""
	}
}

// ─── Teardown ───────────────────────────────────────────────────────────────

// endSession closes the session exactly once: final turn, summary,
// session.end, persistence, lifecycle event, sockets.
func (r *Run) endSession(reason protocol.EndReason) {
	r.endOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		r.emitMu.Lock()
		r.sess.Transition(session.StateEnding)
		r.finishTurnLocked(ctx, r.sess.EndCurrentTurn())

		summary := r.sess.Summary(r.core.WordThreshold)
		r.writeJSON(ctx, protocol.SessionEnd{
			Type:      protocol.TypeSessionEnd,
			SessionID: r.sess.ID,
			Reason:    reason,
			Summary:   &summary,
		})
		r.sess.Transition(session.StateClosed)
		r.emitMu.Unlock()

		metrics := r.sess.MetricsSnapshot()
		if err := r.core.Store.SaveSummary(ctx, persist.SummaryRecord{
			SessionID:            r.sess.ID,
			Reason:               string(reason),
			DurationMs:           summary.DurationMs,
			TurnCount:            summary.TurnCount,
			AveragePronunciation: summary.AveragePronunciation,
			AverageFluency:       summary.AverageFluency,
			TopIssues:            summary.TopIssues,
			BytesReceived:        metrics.BytesReceived,
			BytesSent:            metrics.BytesSent,
			EndedAt:              time.Now().UTC(),
		}); err != nil {
			r.core.Logger.Error("summary persist failed", "session_id", r.sess.ID, "error", err)
		}

		if err := r.core.Events.Publish(ctx, events.TopicSessionEnded, events.SessionEnded{
			SessionID:     r.sess.ID,
			TenantID:      r.sess.TenantID,
			LearnerID:     r.sess.LearnerID,
			Reason:        string(reason),
			DurationMs:    summary.DurationMs,
			TurnCount:     summary.TurnCount,
			BytesReceived: metrics.BytesReceived,
			BytesSent:     metrics.BytesSent,
			EndedAt:       time.Now().UTC(),
		}); err != nil {
			r.core.Logger.Warn("event publish failed",
				"topic", events.TopicSessionEnded, "error", err)
		}

		r.core.Metrics.RecordSessionEnded(ctx, r.sess.TenantID, string(reason))
		r.core.Logger.Info("session ended",
			"session_id", r.sess.ID,
			"reason", reason,
			"turns", summary.TurnCount,
			"duration_ms", summary.DurationMs,
		)

		if r.up != nil {
			_ = r.up.Close()
		}
		_ = r.learner.Close("session ended")
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// failUpstream reports a dead provider leg and ends the session.
func (r *Run) failUpstream(ctx context.Context, err error) {
	r.core.Logger.Error("upstream connection lost", "session_id", r.sess.ID, "error", err)
	r.core.Metrics.RecordError(ctx, protocol.CodeUpstreamDisconnect)
	r.sess.RecordError(protocol.CodeUpstreamDisconnect, err.Error())

	r.emit(ctx, protocol.NewError(protocol.CodeAgentDisconnected,
		"conversation agent disconnected", r.sess.ID))
	r.endSession(protocol.ReasonError)
}

// ─── Emission plumbing ──────────────────────────────────────────────────────

// emit sends one control message under the emission lock.
func (r *Run) emit(ctx context.Context, v any) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.writeJSON(ctx, v)
}

// writeJSON sends one control message. Write failures are logged; the
// learner pump notices the dead socket on its next read.
func (r *Run) writeJSON(ctx context.Context, v any) {
	if err := r.learner.WriteJSON(ctx, v); err != nil {
		r.core.Logger.Debug("learner write failed", "session_id", r.sess.ID, "error", err)
	}
}

// persistTurn writes one turn record, merging in assessment scores when
// present.
func (r *Run) persistTurn(turn *session.Turn, res *assess.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec := persist.TurnRecord{
		TurnID:     turn.ID,
		SessionID:  r.sess.ID,
		Speaker:    string(turn.Speaker),
		Sequence:   turn.Sequence,
		Transcript: turn.FinalTranscript,
		Language:   turn.Language,
		StartedAt:  turn.StartedAt,
		EndedAt:    turn.EndedAt,
	}
	if res != nil {
		rec.OverallScore = &res.OverallScore
		rec.FluencyScore = &res.FluencyScore
		rec.Words = res.Words
	}
	if err := r.core.Store.SaveTurn(ctx, rec); err != nil {
		r.core.Logger.Error("turn persist failed",
			"session_id", r.sess.ID, "turn_id", turn.ID, "error", err)
	}
}
