package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandemly/voicerelay/internal/protocol"
)

var _ Store = (*PostgresStore)(nil)

const ddlVoiceSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    session_id       TEXT         PRIMARY KEY,
    tenant_id        TEXT         NOT NULL,
    learner_id       TEXT         NOT NULL,
    agent_id         TEXT         NOT NULL,
    websocket_url    TEXT         NOT NULL DEFAULT '',
    max_duration_ms  BIGINT       NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_tenant
    ON voice_sessions (tenant_id);
`

const ddlVoiceTurns = `
CREATE TABLE IF NOT EXISTS voice_turns (
    turn_id        TEXT         PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    speaker        TEXT         NOT NULL,
    sequence       INT          NOT NULL,
    transcript     TEXT         NOT NULL DEFAULT '',
    language       TEXT         NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ  NOT NULL,
    ended_at       TIMESTAMPTZ  NOT NULL,
    overall_score  DOUBLE PRECISION,
    fluency_score  DOUBLE PRECISION,
    words          JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_voice_turns_session
    ON voice_turns (session_id, sequence);
`

const ddlVoiceSummaries = `
CREATE TABLE IF NOT EXISTS voice_summaries (
    session_id             TEXT         PRIMARY KEY,
    reason                 TEXT         NOT NULL,
    duration_ms            BIGINT       NOT NULL,
    turn_count             INT          NOT NULL,
    average_pronunciation  DOUBLE PRECISION,
    average_fluency        DOUBLE PRECISION,
    top_issues             JSONB        NOT NULL DEFAULT '[]',
    bytes_received         BIGINT       NOT NULL DEFAULT 0,
    bytes_sent             BIGINT       NOT NULL DEFAULT 0,
    ended_at               TIMESTAMPTZ  NOT NULL
);
`

// PostgresStore is the production Store backed by a [pgxpool.Pool].
// All operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn, verifies connectivity,
// and ensures the required tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: ping: %w", err)
	}

	for _, ddl := range []string{ddlVoiceSessions, ddlVoiceTurns, ddlVoiceSummaries} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("persist: migrate: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// LoadSession implements [Store].
func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	const q = `
		SELECT session_id, tenant_id, learner_id, agent_id, websocket_url, max_duration_ms, created_at
		FROM   voice_sessions
		WHERE  session_id = $1`

	var rec SessionRecord
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&rec.SessionID,
		&rec.TenantID,
		&rec.LearnerID,
		&rec.AgentID,
		&rec.WebsocketURL,
		&rec.MaxDurationMs,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persist: load session: %w", err)
	}
	return &rec, nil
}

// SaveTurn implements [Store].
func (s *PostgresStore) SaveTurn(ctx context.Context, rec TurnRecord) error {
	words := rec.Words
	if words == nil {
		words = []protocol.WordScore{}
	}
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return fmt.Errorf("persist: marshal words: %w", err)
	}

	const q = `
		INSERT INTO voice_turns
		    (turn_id, session_id, speaker, sequence, transcript, language,
		     started_at, ended_at, overall_score, fluency_score, words)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (turn_id) DO UPDATE SET
		    transcript    = EXCLUDED.transcript,
		    overall_score = EXCLUDED.overall_score,
		    fluency_score = EXCLUDED.fluency_score,
		    words         = EXCLUDED.words`

	_, err = s.pool.Exec(ctx, q,
		rec.TurnID,
		rec.SessionID,
		rec.Speaker,
		rec.Sequence,
		rec.Transcript,
		rec.Language,
		rec.StartedAt,
		rec.EndedAt,
		rec.OverallScore,
		rec.FluencyScore,
		wordsJSON,
	)
	if err != nil {
		return fmt.Errorf("persist: save turn: %w", err)
	}
	return nil
}

// SaveSummary implements [Store].
func (s *PostgresStore) SaveSummary(ctx context.Context, rec SummaryRecord) error {
	issues := rec.TopIssues
	if issues == nil {
		issues = []string{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("persist: marshal issues: %w", err)
	}

	const q = `
		INSERT INTO voice_summaries
		    (session_id, reason, duration_ms, turn_count, average_pronunciation,
		     average_fluency, top_issues, bytes_received, bytes_sent, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
		    reason                = EXCLUDED.reason,
		    duration_ms           = EXCLUDED.duration_ms,
		    turn_count            = EXCLUDED.turn_count,
		    average_pronunciation = EXCLUDED.average_pronunciation,
		    average_fluency       = EXCLUDED.average_fluency,
		    top_issues            = EXCLUDED.top_issues,
		    bytes_received        = EXCLUDED.bytes_received,
		    bytes_sent            = EXCLUDED.bytes_sent,
		    ended_at              = EXCLUDED.ended_at`

	_, err = s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.Reason,
		rec.DurationMs,
		rec.TurnCount,
		rec.AveragePronunciation,
		rec.AverageFluency,
		issuesJSON,
		rec.BytesReceived,
		rec.BytesSent,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("persist: save summary: %w", err)
	}
	return nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("persist: ping: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *PostgresStore) Close() { s.pool.Close() }
