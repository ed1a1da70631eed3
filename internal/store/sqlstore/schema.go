package sqlstore

import (
	"context"
	"fmt"
)

// Timestamps are stored as Unix milliseconds so both dialects compare them
// the same way.
const schema = `
CREATE TABLE IF NOT EXISTS contributors (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL DEFAULT '',
    tier TEXT NOT NULL DEFAULT '',
    capabilities TEXT NOT NULL DEFAULT '[]',
    reputation DOUBLE PRECISION,
    tasks_total INTEGER NOT NULL DEFAULT 0,
    tasks_agreed INTEGER NOT NULL DEFAULT 0,
    golden_total INTEGER NOT NULL DEFAULT 0,
    golden_correct INTEGER NOT NULL DEFAULT 0,
    last_active_at BIGINT
);

CREATE TABLE IF NOT EXISTS clips (
    id TEXT PRIMARY KEY,
    asset_id TEXT NOT NULL DEFAULT '',
    media_url TEXT NOT NULL DEFAULT '',
    start_ms BIGINT NOT NULL,
    end_ms BIGINT NOT NULL,
    speakers TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    clip_id TEXT NOT NULL REFERENCES clips(id),
    task_type TEXT NOT NULL,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    price_cents INTEGER NOT NULL DEFAULT 0,
    target_votes INTEGER NOT NULL,
    min_green_skip_qa DOUBLE PRECISION NOT NULL,
    min_green_review DOUBLE PRECISION NOT NULL,
    min_tier TEXT NOT NULL DEFAULT '',
    is_golden BOOLEAN NOT NULL DEFAULT FALSE,
    golden_answer TEXT,
    ai_suggestion TEXT,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at);

CREATE TABLE IF NOT EXISTS bundles (
    id TEXT PRIMARY KEY,
    contributor_id TEXT NOT NULL REFERENCES contributors(id),
    state TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_bundles_active ON bundles(contributor_id) WHERE state = 'active';

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id),
    contributor_id TEXT NOT NULL REFERENCES contributors(id),
    bundle_id TEXT REFERENCES bundles(id),
    state TEXT NOT NULL,
    leased_at BIGINT NOT NULL,
    lease_expires_at BIGINT NOT NULL,
    last_heartbeat_at BIGINT,
    playback_ratio DOUBLE PRECISION,
    watched_ms BIGINT,
    release_reason TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_assignments_leased ON assignments(task_id) WHERE state = 'leased';
CREATE INDEX IF NOT EXISTS idx_assignments_expiry ON assignments(state, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_assignments_bundle ON assignments(bundle_id);

CREATE TABLE IF NOT EXISTS responses (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id),
    assignment_id TEXT NOT NULL REFERENCES assignments(id),
    contributor_id TEXT NOT NULL REFERENCES contributors(id),
    vote_seq INTEGER NOT NULL,
    payload TEXT NOT NULL,
    vote_key TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    playback_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    UNIQUE (task_id, contributor_id)
);

CREATE TABLE IF NOT EXISTS consensus (
    task_id TEXT PRIMARY KEY REFERENCES tasks(id),
    label TEXT NOT NULL,
    green_count DOUBLE PRECISION NOT NULL,
    agreement_score DOUBLE PRECISION NOT NULL,
    vote_count INTEGER NOT NULL,
    final_status TEXT NOT NULL,
    decided_at BIGINT NOT NULL
);
`

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
