package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
)

// schema is applied at startup. Statements are idempotent so repeated boots
// are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
  id          TEXT PRIMARY KEY,
  sender      TEXT NOT NULL,
  text        TEXT NOT NULL,
  channel     TEXT NOT NULL,
  is_from_me  BOOLEAN NOT NULL DEFAULT FALSE,
  context     JSONB NOT NULL DEFAULT '{}',
  dedupe_hash TEXT NOT NULL,
  received_at TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender_received ON messages (sender, received_at DESC);`,

	`CREATE TABLE IF NOT EXISTS sessions (
  sender     TEXT PRIMARY KEY,
  thread_id  TEXT NOT NULL,
  mode       TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);`,

	`CREATE TABLE IF NOT EXISTS runs (
  id             TEXT PRIMARY KEY,
  sender         TEXT NOT NULL,
  intent         TEXT NOT NULL,
  state          TEXT NOT NULL,
  work_dir       TEXT NOT NULL,
  risk           TEXT NOT NULL,
  source_context JSONB NOT NULL DEFAULT '{}',
  created_at     TIMESTAMPTZ NOT NULL,
  updated_at     TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_sender_state ON runs (sender, state);`,

	`CREATE TABLE IF NOT EXISTS approvals (
  id              TEXT PRIMARY KEY,
  run_id          TEXT NOT NULL REFERENCES runs(id),
  sender          TEXT NOT NULL,
  summary         TEXT NOT NULL DEFAULT '',
  command_preview TEXT NOT NULL DEFAULT '',
  status          TEXT NOT NULL,
  expires_at      TIMESTAMPTZ NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  resolved_at     TIMESTAMPTZ
);`,
	// At most one pending approval per run.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_one_pending
   ON approvals (run_id) WHERE status = 'pending';`,

	`CREATE TABLE IF NOT EXISTS events (
  id         TEXT PRIMARY KEY,
  run_id     TEXT NOT NULL,
  step       TEXT NOT NULL DEFAULT '',
  type       TEXT NOT NULL,
  payload    JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_created ON events (run_id, created_at);`,

	`CREATE TABLE IF NOT EXISTS run_jobs (
  id               TEXT PRIMARY KEY,
  run_id           TEXT NOT NULL REFERENCES runs(id),
  sender           TEXT NOT NULL,
  attempt          INT NOT NULL DEFAULT 0,
  payload          JSONB NOT NULL DEFAULT '{}',
  status           TEXT NOT NULL,
  lease_owner      TEXT NOT NULL DEFAULT '',
  lease_expires_at TIMESTAMPTZ,
  last_error       TEXT NOT NULL DEFAULT '',
  created_at       TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_run_jobs_status_created ON run_jobs (status, created_at);`,

	`CREATE TABLE IF NOT EXISTS scheduled_actions (
  id          TEXT PRIMARY KEY,
  run_id      TEXT NOT NULL,
  sender      TEXT NOT NULL,
  action_type TEXT NOT NULL,
  fire_at     TIMESTAMPTZ NOT NULL,
  payload     JSONB NOT NULL DEFAULT '{}',
  fired       BOOLEAN NOT NULL DEFAULT FALSE,
  created_at  TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_actions_due ON scheduled_actions (fired, fire_at);`,

	`CREATE TABLE IF NOT EXISTS app_state (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`,
}

// EnsureSchema creates all tables and indexes the gateway needs.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
