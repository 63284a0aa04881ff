package store

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email TEXT NOT NULL UNIQUE,
		plan TEXT NOT NULL DEFAULT 'free',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		owner_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		client_ref TEXT,
		title TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		language_code TEXT NOT NULL DEFAULT 'ja-JP',
		segment_index INTEGER NOT NULL DEFAULT 0,
		transcript_text TEXT,
		transcript_draft TEXT,
		cloud_ticket TEXT,
		cloud_allowed_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_client_ref ON sessions (owner_user_id, client_ref) WHERE client_ref IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS session_members (
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role TEXT NOT NULL DEFAULT 'viewer',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		segment_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		start_ms BIGINT NOT NULL,
		end_ms BIGINT NOT NULL,
		source_sequence BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_segments_session ON transcript_segments (session_id, segment_index, start_ms)`,
	`CREATE TABLE IF NOT EXISTS stream_locks (
		account_id UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS monthly_usage (
		account_id UUID NOT NULL,
		month TEXT NOT NULL,
		used_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		sessions_started INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, month)
	)`,
	`CREATE TABLE IF NOT EXISTS stream_events (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		account_id UUID,
		session_id UUID,
		event_type TEXT NOT NULL,
		event_data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_session ON stream_events (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_log (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		account_id UUID NOT NULL,
		session_id UUID,
		recording_seconds DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_sessions_token_hash ON user_sessions (token_hash)`,
}

// RunMigration applies the schema idempotently at startup.
func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
