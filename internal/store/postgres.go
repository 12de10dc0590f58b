package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zoom/arlo/internal/protocol"
)

// PostgresStore persists segments, participant events and status notices in
// PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_segments (
			meeting_key TEXT NOT NULL,
			seq_no BIGINT NOT NULL,
			speaker_id TEXT NOT NULL,
			speaker_label TEXT NOT NULL,
			text TEXT NOT NULL,
			start_ms BIGINT NOT NULL,
			end_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (meeting_key, seq_no)
		);`,
		`CREATE TABLE IF NOT EXISTS participant_events (
			id TEXT PRIMARY KEY,
			meeting_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			participant_name TEXT NOT NULL,
			raw_kind TEXT NOT NULL DEFAULT '',
			event_ts BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participant_events_meeting ON participant_events (meeting_key, event_ts);`,
		`CREATE TABLE IF NOT EXISTS rtms_status (
			id TEXT PRIMARY KEY,
			meeting_key TEXT NOT NULL,
			status TEXT NOT NULL,
			operator_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSegment(ctx context.Context, seg protocol.TranscriptSegment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_segments (meeting_key, seq_no, speaker_id, speaker_label, text, start_ms, end_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (meeting_key, seq_no) DO NOTHING`,
		seg.MeetingKey,
		seg.SeqNo,
		seg.SpeakerID,
		seg.SpeakerLabel,
		seg.Text,
		seg.StartMs,
		seg.EndMs,
	)
	if err != nil {
		return fmt.Errorf("save segment: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveParticipantEvents(ctx context.Context, meetingKey string, events []protocol.ParticipantEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO participant_events (id, meeting_key, event_type, participant_id, participant_name, raw_kind, event_ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(),
			meetingKey,
			string(ev.EventType),
			ev.ParticipantID,
			ev.ParticipantName,
			ev.RawKind,
			ev.Timestamp,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert participant events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit participant events: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveStatus(ctx context.Context, notice protocol.StatusNotice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rtms_status (id, meeting_key, status, operator_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(),
		notice.MeetingKey,
		string(notice.Status),
		notice.OperatorID,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSegments(ctx context.Context, meetingKey string, afterSeq int64, limit int) ([]protocol.TranscriptSegment, error) {
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT meeting_key, seq_no, speaker_id, speaker_label, text, start_ms, end_ms
		 FROM transcript_segments WHERE meeting_key=$1 AND seq_no>$2 ORDER BY seq_no ASC LIMIT $3`,
		meetingKey,
		afterSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	segments := make([]protocol.TranscriptSegment, 0, limit)
	for rows.Next() {
		var seg protocol.TranscriptSegment
		if err := rows.Scan(&seg.MeetingKey, &seg.SeqNo, &seg.SpeakerID, &seg.SpeakerLabel, &seg.Text, &seg.StartMs, &seg.EndMs); err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows: %w", err)
	}
	return segments, nil
}

func (s *PostgresStore) LastSeq(ctx context.Context, meetingKey string) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq_no), 0) FROM transcript_segments WHERE meeting_key=$1`,
		meetingKey,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return last, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
