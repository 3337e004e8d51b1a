package src

import (
	"fmt"
	"strings"
)

type Migration struct {
	ID          int
	Description string
	SQL         string
}

// Applied in order against databases created by older builds. The base
// schema already carries every column in final form, so on a fresh
// database these fail with "duplicate column" and are marked applied.
var migrations = []Migration{
	{
		ID:          1,
		Description: "Add notes column to targets",
		SQL:         `ALTER TABLE targets ADD COLUMN notes TEXT DEFAULT '';`,
	},
	{
		ID:          2,
		Description: "Add crack_seconds column to handshakes",
		SQL:         `ALTER TABLE handshakes ADD COLUMN crack_seconds INTEGER DEFAULT 0;`,
	},
}

func (s *Store) RunMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM migrations WHERE id = ?", migration.ID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", migration.ID, err)
		}
		if count > 0 {
			continue
		}

		s.log.Info().Int("id", migration.ID).Str("description", migration.Description).
			Msg("applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			if !isColumnExistsError(err) {
				return fmt.Errorf("failed to apply migration %d: %w", migration.ID, err)
			}
			// Fresh database, schema already final.
		}

		if _, err := s.db.Exec(
			"INSERT INTO migrations (id, description) VALUES (?, ?)",
			migration.ID, migration.Description,
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.ID, err)
		}
	}
	return nil
}

func isColumnExistsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists")
}
