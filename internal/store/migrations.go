package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "terms: ranked own scores",
		SQL: `
CREATE TABLE terms (
    name  TEXT PRIMARY KEY,
    score INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_terms_score ON terms(score DESC);
`,
	},
	{
		Version:     2,
		Description: "links: directed edges, forward + reverse index",
		SQL: `
CREATE TABLE links (
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    PRIMARY KEY (source, target)
);

CREATE INDEX idx_links_target ON links(target);
`,
	},
	{
		Version:     3,
		Description: "modifiers: users with live actions per term",
		SQL: `
CREATE TABLE modifiers (
    term    TEXT NOT NULL,
    user_id TEXT NOT NULL,
    PRIMARY KEY (term, user_id)
);
`,
	},
	{
		Version:     4,
		Description: "actions: append-only scoring events, time-indexed per term",
		SQL: `
CREATE TABLE actions (
    id      INTEGER PRIMARY KEY,
    term    TEXT NOT NULL,
    user_id TEXT,
    delta   INTEGER NOT NULL,
    at      INTEGER NOT NULL
);

CREATE INDEX idx_actions_term_at ON actions(term, at);
`,
	},
	{
		Version:     5,
		Description: "cooldowns: per (user, term) modification leases",
		SQL: `
CREATE TABLE cooldowns (
    user_id    TEXT NOT NULL,
    term       TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, term)
);
`,
	},
}

func (db *SQLite) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *SQLite) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
