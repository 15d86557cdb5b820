package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the default Store backend, a single SQLite database file.
type SQLite struct {
	*sql.DB
	Path string
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &SQLite{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*SQLite, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}

	db := &SQLite{DB: sqlDB, Path: ":memory:"}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *SQLite) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Modify applies the delta, appends the action, and records the modifier in
// one transaction.
func (db *SQLite) Modify(term, userID string, delta int64, now time.Time) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin modify: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO terms (name, score) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET score = score + excluded.score
	`, term, delta); err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO actions (term, user_id, delta, at) VALUES (?, NULLIF(?, ''), ?, ?)
	`, term, userID, delta, now.UnixMilli()); err != nil {
		return 0, fmt.Errorf("append action: %w", err)
	}

	if userID != "" {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO modifiers (term, user_id) VALUES (?, ?)
		`, term, userID); err != nil {
			return 0, fmt.Errorf("add modifier: %w", err)
		}
	}

	var score int64
	if err := tx.QueryRow("SELECT score FROM terms WHERE name = ?", term).Scan(&score); err != nil {
		return 0, fmt.Errorf("read score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit modify: %w", err)
	}
	return score, nil
}

// Score returns the term's own score, 0 if the term is unknown.
func (db *SQLite) Score(term string) (int64, error) {
	var score int64
	err := db.QueryRow("SELECT score FROM terms WHERE name = ?", term).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	return score, nil
}

// Best returns up to n terms by descending own score.
func (db *SQLite) Best(n int) ([]TermScore, error) {
	return db.ranked("DESC", n)
}

// Worst returns up to n terms by ascending own score.
func (db *SQLite) Worst(n int) ([]TermScore, error) {
	return db.ranked("ASC", n)
}

func (db *SQLite) ranked(dir string, n int) ([]TermScore, error) {
	rows, err := db.Query(fmt.Sprintf(`
		SELECT name, score FROM terms ORDER BY score %s, name LIMIT ?
	`, dir), n)
	if err != nil {
		return nil, fmt.Errorf("ranked terms: %w", err)
	}
	defer rows.Close()

	var out []TermScore
	for rows.Next() {
		var ts TermScore
		if err := rows.Scan(&ts.Term, &ts.Score); err != nil {
			return nil, fmt.Errorf("scan ranked term: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// TermCount returns the number of tracked terms.
func (db *SQLite) TermCount() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM terms").Scan(&count)
	return count, err
}

// AddLink inserts the edge if absent. The links table carries both the
// forward index (primary key on source,target) and the reverse index (the
// target index), so a single insert keeps them in lockstep.
func (db *SQLite) AddLink(source, target string) (bool, error) {
	res, err := db.Exec("INSERT OR IGNORE INTO links (source, target) VALUES (?, ?)", source, target)
	if err != nil {
		return false, fmt.Errorf("add link: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveLink deletes the edge, reporting whether one existed.
func (db *SQLite) RemoveLink(source, target string) (bool, error) {
	res, err := db.Exec("DELETE FROM links WHERE source = ? AND target = ?", source, target)
	if err != nil {
		return false, fmt.Errorf("remove link: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Links returns the outgoing link targets of a term.
func (db *SQLite) Links(term string) ([]string, error) {
	return db.stringColumn("SELECT target FROM links WHERE source = ? ORDER BY target", term)
}

// LinkedFrom returns the terms whose links point at term.
func (db *SQLite) LinkedFrom(term string) ([]string, error) {
	return db.stringColumn("SELECT source FROM links WHERE target = ? ORDER BY source", term)
}

// Modifiers returns the users in the term's modifier set.
func (db *SQLite) Modifiers(term string) ([]string, error) {
	return db.stringColumn("SELECT user_id FROM modifiers WHERE term = ? ORDER BY user_id", term)
}

func (db *SQLite) stringColumn(query, arg string) ([]string, error) {
	rows, err := db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetCooldown records an expiry timestamp for (userID, term). Expiry is lazy:
// stale rows are dropped when read.
func (db *SQLite) SetCooldown(userID, term string, ttl time.Duration, now time.Time) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO cooldowns (user_id, term, expires_at) VALUES (?, ?, ?)
	`, userID, term, now.Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// CooldownRemaining returns the time left on a live cooldown, 0 if none.
func (db *SQLite) CooldownRemaining(userID, term string, now time.Time) (time.Duration, error) {
	var expires int64
	err := db.QueryRow(`
		SELECT expires_at FROM cooldowns WHERE user_id = ? AND term = ?
	`, userID, term).Scan(&expires)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cooldown remaining: %w", err)
	}

	remaining := time.UnixMilli(expires).Sub(now)
	if remaining <= 0 {
		db.Exec("DELETE FROM cooldowns WHERE user_id = ? AND term = ?", userID, term)
		return 0, nil
	}
	return remaining, nil
}

// ActionCount returns the number of recorded actions for a term.
func (db *SQLite) ActionCount(term string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM actions WHERE term = ?", term).Scan(&count)
	return count, err
}

// DecayableTerms returns terms with at least one action strictly older than
// cutoff.
func (db *SQLite) DecayableTerms(cutoff time.Time) ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT term FROM actions WHERE at < ? ORDER BY term
	`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("decayable terms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, fmt.Errorf("scan decayable term: %w", err)
		}
		out = append(out, term)
	}
	return out, rows.Err()
}

// DecayTerm sums and removes the term's expired actions, subtracts the sum
// from the own score, and prunes aged-out modifiers, all in one transaction.
func (db *SQLite) DecayTerm(term string, cutoff time.Time) (DecayResult, error) {
	var res DecayResult

	tx, err := db.Begin()
	if err != nil {
		return res, fmt.Errorf("begin decay: %w", err)
	}
	defer tx.Rollback()

	cutoffMs := cutoff.UnixMilli()
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(delta), 0), COUNT(*) FROM actions WHERE term = ? AND at < ?
	`, term, cutoffMs).Scan(&res.Delta, &res.Removed)
	if err != nil {
		return DecayResult{}, fmt.Errorf("sum expired actions: %w", err)
	}
	if res.Removed == 0 {
		return DecayResult{}, nil
	}

	if _, err := tx.Exec("UPDATE terms SET score = score - ? WHERE name = ?", res.Delta, term); err != nil {
		return DecayResult{}, fmt.Errorf("subtract decayed score: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM actions WHERE term = ? AND at < ?", term, cutoffMs); err != nil {
		return DecayResult{}, fmt.Errorf("delete expired actions: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM modifiers WHERE term = ? AND user_id NOT IN (
			SELECT user_id FROM actions WHERE term = ? AND user_id IS NOT NULL
		)
	`, term, term); err != nil {
		return DecayResult{}, fmt.Errorf("prune modifiers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DecayResult{}, fmt.Errorf("commit decay: %w", err)
	}
	return res, nil
}

// DeleteTerm removes the term and every structure referencing it in one
// transaction. Returns whether the ranked entry existed.
func (db *SQLite) DeleteTerm(term string) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM modifiers WHERE term = ?", term); err != nil {
		return false, fmt.Errorf("delete modifiers: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM actions WHERE term = ?", term); err != nil {
		return false, fmt.Errorf("delete actions: %w", err)
	}
	// Severs outgoing links and every other term's reference in one pass.
	if _, err := tx.Exec("DELETE FROM links WHERE source = ? OR target = ?", term, term); err != nil {
		return false, fmt.Errorf("delete links: %w", err)
	}

	res, err := tx.Exec("DELETE FROM terms WHERE name = ?", term)
	if err != nil {
		return false, fmt.Errorf("delete term: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return n > 0, nil
}
