package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 5

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database gets a fresh schema at the current version.
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // Initial schema, handled by createSchema.
	case 2:
		return migrateToVersion2(db)
	case 3:
		return migrateToVersion3(db)
	case 4:
		return migrateToVersion4(db)
	case 5:
		return migrateToVersion5(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds per-task agent role assignment and result summaries.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE tasks ADD COLUMN assigned_agent_role TEXT",
		"ALTER TABLE tasks ADD COLUMN result_summary TEXT",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// migrateToVersion3 adds idempotency records, agent run history, and task artifacts.
func migrateToVersion3(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS action_idempotency (
			task_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			response TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (task_id, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_role TEXT NOT NULL,
			provider TEXT,
			model TEXT,
			status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','succeeded','failed')),
			rounds INTEGER NOT NULL DEFAULT 0,
			escalations INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT,
			error TEXT,
			nudged INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			heartbeat_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS task_artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'file',
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		"CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs(task_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts(task_id)",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// migrateToVersion4 adds token accounting and phase tags to conversation turns.
func migrateToVersion4(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE conversations ADD COLUMN token_count INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE conversations ADD COLUMN phase TEXT NOT NULL DEFAULT 'coding'",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// migrateToVersion5 adds approval and completion timestamps to projects.
func migrateToVersion5(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE projects ADD COLUMN approved_at DATETIME",
		"ALTER TABLE projects ADD COLUMN completed_at DATETIME",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}

	return nil
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Projects table
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			workdir TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'ideation' CHECK (status IN
				('ideation','planning','approved','coding','testing','completed','paused','cancelled','failed')),
			paused_from TEXT,
			repo_url TEXT,
			bootstrap_ok INTEGER,
			bootstrap_summary TEXT,
			approved_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Ideas captured per project during ideation
		`CREATE TABLE IF NOT EXISTS ideas (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Synthesized plans, at most one non-superseded plan per project
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			version INTEGER NOT NULL DEFAULT 1,
			summary TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft','approved','superseded')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			approved_at DATETIME,
			UNIQUE (project_id, version)
		)`,

		// Tasks within a plan, executed in order_index order
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			milestone TEXT NOT NULL,
			milestone_index INTEGER NOT NULL DEFAULT 0,
			order_index INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			assigned_agent_role TEXT,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN
				('pending','in_progress','completed','failed','skipped')),
			result_summary TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Conversation turns per task for resume and summarization
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			turn_index INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			phase TEXT NOT NULL DEFAULT 'coding',
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Daily usage accounting per provider, keyed by UTC date
		`CREATE TABLE IF NOT EXISTS provider_usage (
			provider TEXT NOT NULL,
			day TEXT NOT NULL,
			requests_used INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			last_request_at DATETIME,
			PRIMARY KEY (provider, day)
		)`,

		// One row per (project, role) pair tracking agent activity
		`CREATE TABLE IF NOT EXISTS agents (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle','running')),
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tasks_failed INTEGER NOT NULL DEFAULT 0,
			last_active_at DATETIME,
			PRIMARY KEY (project_id, role)
		)`,

		// Timeline of notable project events
		`CREATE TABLE IF NOT EXISTS project_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Cached responses for explicitly idempotent dispatches
		`CREATE TABLE IF NOT EXISTS action_idempotency (
			task_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			response TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (task_id, idempotency_key)
		)`,

		// One row per worker execution attempt of a task, heartbeat driven
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_role TEXT NOT NULL,
			provider TEXT,
			model TEXT,
			status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','succeeded','failed')),
			rounds INTEGER NOT NULL DEFAULT 0,
			escalations INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT,
			error TEXT,
			nudged INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			heartbeat_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			finished_at DATETIME
		)`,

		// Artifacts produced while working a task
		`CREATE TABLE IF NOT EXISTS task_artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'file',
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_ideas_project ON ideas(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks(plan_id, order_index)",
		"CREATE INDEX IF NOT EXISTS idx_conversations_task ON conversations(task_id, turn_index)",
		"CREATE INDEX IF NOT EXISTS idx_events_project ON project_events(project_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs(task_id)",
		"CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status)",
		"CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts(task_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
