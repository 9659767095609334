package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migration 是一次按版本号顺序执行的 schema 变更
type migration struct {
	version int
	sql     string
}

// migrations 版本号必须从 1 开始连续递增
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS command_center_inbox (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL DEFAULT 'email',
	thread_id         TEXT,
	fastmail_id       TEXT,
	chat_id           TEXT,
	subject           TEXT NOT NULL DEFAULT '',
	snippet           TEXT NOT NULL DEFAULT '',
	body_text         TEXT NOT NULL DEFAULT '',
	body_html         TEXT NOT NULL DEFAULT '',
	from_email        TEXT NOT NULL DEFAULT '',
	from_name         TEXT NOT NULL DEFAULT '',
	to_recipients     JSONB NOT NULL DEFAULT '[]',
	cc_recipients     JSONB NOT NULL DEFAULT '[]',
	date              TIMESTAMPTZ NOT NULL,
	attachments       JSONB NOT NULL DEFAULT '[]',
	has_attachments   BOOLEAN NOT NULL DEFAULT FALSE,
	is_read           BOOLEAN NOT NULL DEFAULT FALSE,
	is_starred        BOOLEAN NOT NULL DEFAULT FALSE,
	status            TEXT CHECK (status IN ('archiving', 'need_actions', 'waiting_input')),
	status_changed_at TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_inbox_thread_id ON command_center_inbox(thread_id);
CREATE INDEX IF NOT EXISTS idx_inbox_fastmail_id ON command_center_inbox(fastmail_id);
CREATE INDEX IF NOT EXISTS idx_inbox_status ON command_center_inbox(status);
CREATE INDEX IF NOT EXISTS idx_inbox_from_email ON command_center_inbox(lower(from_email));

CREATE TABLE IF NOT EXISTS contacts (
	contact_id          TEXT PRIMARY KEY,
	first_name          TEXT NOT NULL DEFAULT '',
	last_name           TEXT NOT NULL DEFAULT '',
	last_interaction_at TIMESTAMPTZ,
	last_modified_at    TIMESTAMPTZ,
	last_modified_by    TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS contact_emails (
	email      TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL REFERENCES contacts(contact_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS email_threads (
	email_thread_id        TEXT PRIMARY KEY,
	thread_id              TEXT NOT NULL UNIQUE,
	subject                TEXT NOT NULL DEFAULT '',
	last_message_timestamp TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS emails (
	email_id          TEXT PRIMARY KEY,
	gmail_id          TEXT NOT NULL UNIQUE,
	thread_id         TEXT,
	email_thread_id   TEXT REFERENCES email_threads(email_thread_id),
	subject           TEXT NOT NULL DEFAULT '',
	body_plain        TEXT NOT NULL DEFAULT '',
	body_html         TEXT NOT NULL DEFAULT '',
	message_timestamp TIMESTAMPTZ,
	direction         TEXT NOT NULL CHECK (direction IN ('sent', 'received')),
	has_attachments   BOOLEAN NOT NULL DEFAULT FALSE,
	attachment_count  INTEGER NOT NULL DEFAULT 0,
	is_read           BOOLEAN NOT NULL DEFAULT FALSE,
	is_starred        BOOLEAN NOT NULL DEFAULT FALSE,
	sender_contact_id TEXT REFERENCES contacts(contact_id),
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS email_participants (
	participant_id   TEXT PRIMARY KEY,
	email_id         TEXT NOT NULL REFERENCES emails(email_id) ON DELETE CASCADE,
	contact_id       TEXT NOT NULL REFERENCES contacts(contact_id) ON DELETE CASCADE,
	participant_type TEXT NOT NULL CHECK (participant_type IN ('sender', 'to', 'cc')),
	UNIQUE (email_id, contact_id)
);

CREATE TABLE IF NOT EXISTS interactions (
	interaction_id   TEXT PRIMARY KEY,
	contact_id       TEXT NOT NULL REFERENCES contacts(contact_id) ON DELETE CASCADE,
	interaction_type TEXT NOT NULL,
	direction        TEXT NOT NULL,
	interaction_date TIMESTAMPTZ,
	email_thread_id  TEXT REFERENCES email_threads(email_thread_id),
	summary          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (contact_id, email_thread_id)
);

CREATE TABLE IF NOT EXISTS contact_email_threads (
	contact_id      TEXT NOT NULL REFERENCES contacts(contact_id) ON DELETE CASCADE,
	email_thread_id TEXT NOT NULL REFERENCES email_threads(email_thread_id) ON DELETE CASCADE,
	PRIMARY KEY (contact_id, email_thread_id)
);

CREATE TABLE IF NOT EXISTS emails_spam (
	email            TEXT PRIMARY KEY,
	counter          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS domains_spam (
	domain           TEXT PRIMARY KEY,
	counter          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT,
	routing_key    TEXT NOT NULL,
	payload        JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(status, next_retry_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS activity_log (
	id          BIGSERIAL PRIMARY KEY,
	event_key   TEXT NOT NULL UNIQUE,
	routing_key TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_activity_log_created ON activity_log(created_at);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE command_center_inbox ADD COLUMN IF NOT EXISTS previous_status TEXT;
`,
	},
}

// Migrate 依次执行尚未应用的迁移，返回本次应用的数量
func Migrate(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) (int, error) {
	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.version); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		logger.Info("Applied migration", zap.Int("version", m.version))
		applied++
	}

	return applied, nil
}
