package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS caption_sessions (
		id UUID PRIMARY KEY,
		source TEXT NOT NULL DEFAULT '',
		sample_rate INTEGER NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'running',
		end_reason TEXT,
		audio_seconds DOUBLE PRECISION,
		transcript TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS caption_segments (
		session_id UUID NOT NULL REFERENCES caption_sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		start_seconds DOUBLE PRECISION NOT NULL,
		end_seconds DOUBLE PRECISION NOT NULL,
		content TEXT NOT NULL,
		words JSONB,
		emitted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_caption_sessions_running ON caption_sessions (started_at) WHERE status = 'running'`,
}

// execer is the part of *pgxpool.Pool the sink uses.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresSink stores sessions and their final captions. Partial results
// are superseded by the final one and are not stored.
type PostgresSink struct {
	db   execer
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and returns a sink owning the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return &PostgresSink{db: pool, pool: pool}, nil
}

// Migrate creates the caption tables if they do not exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Start(ctx context.Context, info SessionInfo) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO caption_sessions (id, source, sample_rate, started_at, status)
		 VALUES ($1, $2, $3, $4, 'running')
		 ON CONFLICT (id) DO NOTHING`,
		info.ID, info.Source, info.SampleRate, info.StartedAt)
	return err
}

func (s *PostgresSink) Publish(ctx context.Context, c Caption) error {
	if !c.Final {
		return nil
	}
	var words []byte
	if len(c.Words) > 0 {
		var err error
		if words, err = json.Marshal(c.Words); err != nil {
			return fmt.Errorf("failed to encode words: %w", err)
		}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO caption_segments (session_id, seq, start_seconds, end_seconds, content, words, emitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		c.SessionID, c.Seq, c.Start, c.End, c.Text, words, c.EmittedAt)
	return err
}

func (s *PostgresSink) End(ctx context.Context, end SessionEnd) error {
	_, err := s.db.Exec(ctx,
		`UPDATE caption_sessions
		 SET status = 'completed', ended_at = $2, end_reason = $3, audio_seconds = $4, transcript = $5
		 WHERE id = $1`,
		end.ID, end.EndedAt, end.Reason, end.AudioSeconds, end.Transcript)
	return err
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
