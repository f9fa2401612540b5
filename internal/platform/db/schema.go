package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema contains the DDL for the control-plane metadata store. Statements are
// idempotent so the schema can be applied on every boot.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  email TEXT UNIQUE,
  password_hash TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  platform_role TEXT NOT NULL DEFAULT 'user',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  last_login_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS memberships (
  user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  namespace TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (user_id, namespace)
);

CREATE TABLE IF NOT EXISTS sessions (
  id UUID PRIMARY KEY,
  user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  revoked_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS audit_logs (
  id UUID PRIMARY KEY,
  occurred_at TIMESTAMPTZ NOT NULL,
  actor_user_id UUID REFERENCES users(id) ON DELETE SET NULL,
  actor_username TEXT,
  action TEXT NOT NULL,
  resource_type TEXT,
  resource_id TEXT,
  namespace TEXT,
  success BOOLEAN NOT NULL,
  ip TEXT,
  user_agent TEXT,
  request_id TEXT,
  detail JSONB
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_occurred_at ON audit_logs(occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_namespace ON audit_logs(namespace);

CREATE TABLE IF NOT EXISTS runs (
  id UUID PRIMARY KEY,
  namespace TEXT NOT NULL,
  pipeline_id TEXT,
  pipeline_name TEXT,
  trigger TEXT NOT NULL,
  deployment_id TEXT,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  started_at TIMESTAMPTZ,
  ended_at TIMESTAMPTZ,
  cost DOUBLE PRECISION,
  output_path TEXT,
  log_path TEXT,
  error TEXT,
  metadata JSONB,
  scheduled_for TIMESTAMPTZ,
  attempt INT NOT NULL DEFAULT 1,
  max_attempts INT,
  triggered_by_user_id UUID REFERENCES users(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_namespace ON runs(namespace);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_pipeline_id ON runs(pipeline_id);

CREATE TABLE IF NOT EXISTS datasets (
  id UUID PRIMARY KEY,
  namespace TEXT NOT NULL,
  name TEXT NOT NULL,
  source TEXT NOT NULL,
  format TEXT NOT NULL,
  original_format TEXT,
  raw_path TEXT,
  path TEXT NOT NULL,
  ingest_status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  schema JSONB,
  row_count BIGINT,
  description TEXT,
  error TEXT
);

CREATE INDEX IF NOT EXISTS idx_datasets_namespace ON datasets(namespace);
CREATE INDEX IF NOT EXISTS idx_datasets_name ON datasets(name);
`

// InitSchema applies the metadata schema to the connected database.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
