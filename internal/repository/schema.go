package repository

import (
	"context"
	"database/sql"
	"log/slog"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		website     TEXT NOT NULL DEFAULT '',
		industry    TEXT NOT NULL DEFAULT '',
		city        TEXT NOT NULL DEFAULT '',
		attributes  JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`DO $$ BEGIN
		CREATE TYPE candidate_status AS ENUM ('PENDING', 'APPROVED', 'REJECTED', 'EXPIRED');
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,
	`CREATE TABLE IF NOT EXISTS post_candidates (
		id                TEXT PRIMARY KEY,
		client_id         TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		template_key      TEXT NOT NULL DEFAULT '',
		text_body         TEXT NOT NULL,
		media_url         TEXT NOT NULL DEFAULT '',
		platform          TEXT NOT NULL,
		slot_time         TIMESTAMPTZ NOT NULL,
		status            candidate_status NOT NULL DEFAULT 'PENDING',
		approval_deadline TIMESTAMPTZ,
		rejection_reason  TEXT,
		resolved_by       TEXT NOT NULL DEFAULT '',
		resolver_id       TEXT NOT NULL DEFAULT '',
		score             DOUBLE PRECISION,
		metadata          JSONB NOT NULL DEFAULT '{}'::jsonb,
		dispatch_state    TEXT NOT NULL DEFAULT '',
		publish_attempts  INTEGER NOT NULL DEFAULT 0,
		next_attempt_at   TIMESTAMPTZ,
		last_error        TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (rejection_reason IS NULL OR status = 'REJECTED')
	)`,
	`CREATE INDEX IF NOT EXISTS post_candidates_client_status_idx ON post_candidates (client_id, status)`,
	`CREATE INDEX IF NOT EXISTS post_candidates_dispatch_due_idx ON post_candidates (next_attempt_at) WHERE status = 'APPROVED'`,
	`ALTER TABLE post_candidates ADD COLUMN IF NOT EXISTS approval_deadline TIMESTAMPTZ`,
	`ALTER TABLE post_candidates ADD COLUMN IF NOT EXISTS resolver_id TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS post_candidates_pending_deadline_idx ON post_candidates (approval_deadline) WHERE status = 'PENDING'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS post_candidates_live_slot_idx ON post_candidates (client_id, slot_time) WHERE status IN ('PENDING', 'APPROVED')`,
	`CREATE TABLE IF NOT EXISTS published_posts (
		id            BIGSERIAL PRIMARY KEY,
		client_id     TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		platform      TEXT NOT NULL,
		template_key  TEXT NOT NULL DEFAULT '',
		text_hash     TEXT NOT NULL,
		external_id   TEXT,
		posted_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS published_posts_client_hash_idx ON published_posts (client_id, text_hash)`,
	`CREATE INDEX IF NOT EXISTS published_posts_client_posted_idx ON published_posts (client_id, posted_at DESC)`,
}

// Migrate creates the tables this service needs. It is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			slog.Info(err.Error())
			return err
		}
	}
	return nil
}
