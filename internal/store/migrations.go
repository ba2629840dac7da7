package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the DDL statements run by Migrate. All statements are
// idempotent so Migrate can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		projectid   TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		owner       TEXT NOT NULL,
		users       TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		repo_url    TEXT NOT NULL DEFAULT '',
		private_key TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflows (
		wfid       TEXT PRIMARY KEY,
		projectid  TEXT NOT NULL REFERENCES projects(projectid) ON DELETE CASCADE,
		alias      TEXT NOT NULL,
		task       TEXT NOT NULL,
		schedule   TEXT,
		enabled    INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_project_alias ON workflows(projectid, alias)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflows(projectid)`,

	`CREATE TABLE IF NOT EXISTS runtimes (
		runtimeid   TEXT PRIMARY KEY,
		projectid   TEXT NOT NULL REFERENCES projects(projectid) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		docker_name TEXT NOT NULL,
		spec        TEXT NOT NULL,
		version     TEXT NOT NULL,
		registry    TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runtimes_project_name ON runtimes(projectid, name)`,

	`CREATE TABLE IF NOT EXISTS history (
		execid     TEXT PRIMARY KEY,
		projectid  TEXT NOT NULL REFERENCES projects(projectid) ON DELETE CASCADE,
		wfid       TEXT NOT NULL,
		status     INTEGER NOT NULL,
		result     TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_project_created ON history(projectid, created_at)`,

	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		scopes        TEXT NOT NULL DEFAULT '[]',
		created_at    TEXT NOT NULL
	)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
