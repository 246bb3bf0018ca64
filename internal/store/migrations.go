package store

import (
	"fmt"
	"log/slog"
)

// migration is one append-only schema step. Statements run inside a
// single transaction together with the schema_migrations bookkeeping
// row, so a migration is either fully applied or not at all.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				channel TEXT NOT NULL,
				direction TEXT NOT NULL,
				external_id TEXT,
				sender TEXT NOT NULL DEFAULT '',
				recipients TEXT NOT NULL DEFAULT '',
				subject TEXT,
				body TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'new',
				task_id TEXT,
				thread_id TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				priority TEXT NOT NULL DEFAULT 'normal',
				payload TEXT NOT NULL DEFAULT '',
				source_channel TEXT,
				source_message_id TEXT,
				agent_id TEXT,
				conductor_id TEXT,
				result TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL DEFAULT '',
				task_id TEXT NOT NULL DEFAULT '',
				container_id TEXT,
				status TEXT NOT NULL DEFAULT 'starting',
				started_at TEXT NOT NULL,
				stopped_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS feedback (
				id TEXT PRIMARY KEY,
				task_id TEXT,
				draft_id TEXT,
				agent_type TEXT,
				rating TEXT NOT NULL,
				comment TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS prompt_versions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				content TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				active INTEGER NOT NULL DEFAULT 0,
				activated_at TEXT,
				created_at TEXT NOT NULL,
				metrics TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_prompt_versions_name ON prompt_versions(name)`,
		},
	},
	{
		version: 3,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS drafts (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				source_message_id TEXT,
				channel TEXT NOT NULL DEFAULT 'email',
				recipients TEXT NOT NULL DEFAULT '',
				cc TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				original_body TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending_review',
				priority TEXT NOT NULL DEFAULT 'normal',
				conductor_notes TEXT,
				quality_score INTEGER,
				quality_notes TEXT,
				auto_approve_match TEXT,
				reviewed_by TEXT,
				reviewed_at TEXT,
				sent_at TEXT,
				external_draft_id TEXT,
				metadata TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_drafts_status ON drafts(status)`,
			`CREATE TABLE IF NOT EXISTS corrections (
				id TEXT PRIMARY KEY,
				draft_id TEXT NOT NULL,
				task_id TEXT NOT NULL DEFAULT '',
				original_body TEXT NOT NULL DEFAULT '',
				edited_body TEXT NOT NULL DEFAULT '',
				edited_subject TEXT,
				change_type TEXT NOT NULL,
				feedback TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_corrections_draft ON corrections(draft_id)`,
		},
	},
	{
		version: 4,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS approval_rules (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				channel TEXT,
				agent_type TEXT,
				max_length INTEGER NOT NULL DEFAULT 0,
				min_score INTEGER NOT NULL DEFAULT 0,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL
			)`,
		},
	},
}

// migrate applies every unapplied migration in ascending order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, nowISO()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		slog.Info("Store migration applied", "version", m.version)
	}
	return nil
}
