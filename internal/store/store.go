package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TermScore pairs a term with its own score.
type TermScore struct {
	Term  string
	Score int64
}

// DecayResult reports what decaying a single term removed.
type DecayResult struct {
	Removed int   // action records deleted
	Delta   int64 // amount subtracted from the term's own score
}

// Store is the persistence contract for the karma engine. Each method that
// the engine treats as an atomic unit (Modify, AddLink, RemoveLink,
// DecayTerm, DeleteTerm) runs as a single transaction in the backend.
//
// Timestamps are supplied by the caller so that time-dependent behavior is
// testable with synthetic clocks. Absent terms read as zero score, empty
// sets, and zero cooldown rather than errors.
//
// Listing order for equal scores is backend-native (SQLite orders ties by
// name, Badger by key order); it is stable but otherwise unspecified.
type Store interface {
	// Modify applies a score delta to a term as one unit: increment the own
	// score, append an action record, and add userID to the term's modifier
	// set. An empty userID records an anonymous action and no modifier.
	// Returns the new own score.
	Modify(term, userID string, delta int64, now time.Time) (int64, error)

	// Score returns a term's own score, 0 if the term has never been modified.
	Score(term string) (int64, error)

	// Best and Worst return up to n terms ranked by own score, descending
	// and ascending respectively.
	Best(n int) ([]TermScore, error)
	Worst(n int) ([]TermScore, error)

	// TermCount returns the number of terms in the ranked set.
	TermCount() (int, error)

	// AddLink records a directed edge source->target in both the forward and
	// reverse index as one unit. Returns false if the edge already exists.
	AddLink(source, target string) (bool, error)

	// RemoveLink removes the edge from both indexes as one unit. Returns
	// false if no edge existed.
	RemoveLink(source, target string) (bool, error)

	// Links returns the terms source points to; LinkedFrom returns the terms
	// pointing at target.
	Links(term string) ([]string, error)
	LinkedFrom(term string) ([]string, error)

	// Modifiers returns the users who have non-decayed actions on the term.
	Modifiers(term string) ([]string, error)

	// SetCooldown starts a cooldown lease for (userID, term) lasting ttl.
	SetCooldown(userID, term string, ttl time.Duration, now time.Time) error

	// CooldownRemaining reports the time left on a live cooldown lease,
	// 0 if none exists or it has expired.
	CooldownRemaining(userID, term string, now time.Time) (time.Duration, error)

	// ActionCount returns the number of recorded actions for a term.
	ActionCount(term string) (int, error)

	// DecayableTerms returns terms that have at least one action strictly
	// older than cutoff.
	DecayableTerms(cutoff time.Time) ([]string, error)

	// DecayTerm rolls back the contribution of actions strictly older than
	// cutoff as one unit: subtract their summed deltas from the own score,
	// delete the action records, and prune modifiers left with no remaining
	// actions on the term.
	DecayTerm(term string, cutoff time.Time) (DecayResult, error)

	// DeleteTerm permanently removes a term as one unit: ranking entry,
	// actions, modifiers, outgoing links and their reverse entries, and
	// incoming links and their forward entries. Returns whether the term
	// existed in the ranked set.
	DeleteTerm(term string) (bool, error)

	// Ping verifies the backend is reachable.
	Ping() error

	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Open opens the named backend at path. An empty path resolves to the
// default location under the user's home directory.
func Open(backend, path string) (Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath(backend)
		if err != nil {
			return nil, err
		}
	}

	switch backend {
	case "", BackendSQLite:
		return OpenSQLite(path)
	case BackendBadger:
		return OpenBadger(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// DefaultPath returns the default storage location for a backend:
// ~/.karma/karma.db for SQLite, ~/.karma/badger for Badger.
func DefaultPath(backend string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	if backend == BackendBadger {
		return filepath.Join(home, ".karma", "badger"), nil
	}
	return filepath.Join(home, ".karma", "karma.db"), nil
}
