package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
var migrations = []migration{
	{
		name: "create transcripts",
		sql: `CREATE TABLE IF NOT EXISTS transcripts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			content    TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		check: `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'transcripts')`,
	},
	{
		name:  "add transcripts.session_id",
		sql:   `ALTER TABLE transcripts ADD COLUMN session_id TEXT NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM pragma_table_info('transcripts') WHERE name = 'session_id')`,
	},
	{
		name: "create offline_queue",
		sql: `CREATE TABLE IF NOT EXISTS offline_queue (
			session_id     TEXT NOT NULL,
			sequence_index INTEGER NOT NULL,
			source_handle  TEXT NOT NULL,
			captured_at    INTEGER NOT NULL,
			duration_ms    INTEGER NOT NULL,
			final          INTEGER NOT NULL DEFAULT 0,
			attempt_count  INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'pending',
			enqueued_at    INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			PRIMARY KEY (session_id, sequence_index)
		)`,
		check: `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'offline_queue')`,
	},
	{
		name:  "add offline_queue status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_offline_queue_status ON offline_queue (status, enqueued_at)`,
		check: `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'index' AND name = 'idx_offline_queue_status')`,
	},
}

// Migrate runs all pending schema migrations. Each migration is skipped when
// its check reports it already applied. A failure is returned as a
// *MigrationError and should be treated as fatal.
func (s *Store) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := s.db.QueryRowContext(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		s.log.Debug().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	s.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Apply the following SQL manually to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart twinmind-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
