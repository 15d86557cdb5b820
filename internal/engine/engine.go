package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Everlane/lita-karma/internal/config"
	"github.com/Everlane/lita-karma/internal/metrics"
	"github.com/Everlane/lita-karma/internal/store"
)

// Engine owns the karma operations: scoring with cooldowns, the link graph,
// listings, deletion, and the decay sweep.
type Engine struct {
	store  store.Store
	cfg    config.KarmaConfig
	log    *logrus.Logger
	clock  func() time.Time
	stopCh chan struct{}
}

// New creates an Engine. The wall clock is the default time source; tests
// replace it with SetClock.
func New(st store.Store, cfg config.KarmaConfig, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		store:  st,
		cfg:    cfg,
		log:    log,
		clock:  time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(fn func() time.Time) {
	e.clock = fn
}

// LinkScore is one linked term's contribution to a display total.
type LinkScore struct {
	Term  string
	Score int64
}

// Score is the read model for one term: its own score plus the one-level
// linked breakdown.
type Score struct {
	Term  string
	Own   int64
	Total int64
	Links []LinkScore
}

// LinkOutcome distinguishes a created edge from an already-present one.
type LinkOutcome int

const (
	LinkCreated LinkOutcome = iota
	LinkExists
)

// Increment applies +1 to a term on behalf of a user.
func (e *Engine) Increment(term, userID string) (Score, error) {
	return e.Modify(term, userID, 1)
}

// Decrement applies -1 to a term on behalf of a user.
func (e *Engine) Decrement(term, userID string) (Score, error) {
	return e.Modify(term, userID, -1)
}

// Modify applies a delta to a term. When a cooldown is configured and a live
// lease exists for (userID, term), nothing changes and a
// *CooldownActiveError carries the remaining wait in whole seconds.
func (e *Engine) Modify(term, userID string, delta int64) (Score, error) {
	now := e.clock()

	if e.cfg.CooldownSeconds > 0 && userID != "" {
		remaining, err := e.store.CooldownRemaining(userID, term, now)
		if err != nil {
			return Score{}, fmt.Errorf("check cooldown: %w", err)
		}
		if remaining > 0 {
			metrics.CooldownRejectionsTotal.Inc()
			secs := int(math.Ceil(remaining.Seconds()))
			if secs < 1 {
				secs = 1
			}
			return Score{}, &CooldownActiveError{Term: term, Remaining: secs}
		}
	}

	if _, err := e.store.Modify(term, userID, delta, now); err != nil {
		return Score{}, fmt.Errorf("modify %s: %w", term, err)
	}

	if e.cfg.CooldownSeconds > 0 && userID != "" {
		if err := e.store.SetCooldown(userID, term, e.cfg.CooldownTTL(), now); err != nil {
			return Score{}, fmt.Errorf("set cooldown: %w", err)
		}
	}

	direction := "increment"
	if delta < 0 {
		direction = "decrement"
	}
	metrics.ModificationsTotal.WithLabelValues(direction).Inc()

	return e.Check(term)
}

// Check returns a term's score summary. Pure read: no cooldown, no history.
func (e *Engine) Check(term string) (Score, error) {
	own, err := e.store.Score(term)
	if err != nil {
		return Score{}, fmt.Errorf("score %s: %w", term, err)
	}

	s := Score{Term: term, Own: own, Total: own}

	links, err := e.store.Links(term)
	if err != nil {
		return Score{}, fmt.Errorf("links %s: %w", term, err)
	}
	for _, linked := range links {
		linkScore, err := e.store.Score(linked)
		if err != nil {
			return Score{}, fmt.Errorf("score %s: %w", linked, err)
		}
		s.Links = append(s.Links, LinkScore{Term: linked, Score: linkScore})
		s.Total += linkScore
	}
	return s, nil
}

// Link makes target's own score count toward source's displayed total. The
// edge is directional: target's total is unaffected. When a threshold is
// configured, target's own score must be at least that far from zero.
func (e *Engine) Link(source, target string) (LinkOutcome, error) {
	if e.cfg.LinkThreshold > 0 {
		own, err := e.store.Score(target)
		if err != nil {
			return 0, fmt.Errorf("score %s: %w", target, err)
		}
		if own < e.cfg.LinkThreshold && own > -e.cfg.LinkThreshold {
			return 0, &LinkThresholdError{Term: target, Threshold: e.cfg.LinkThreshold}
		}
	}

	added, err := e.store.AddLink(source, target)
	if err != nil {
		return 0, fmt.Errorf("link %s -> %s: %w", source, target, err)
	}
	if !added {
		return LinkExists, nil
	}
	metrics.LinkOpsTotal.WithLabelValues("link").Inc()
	return LinkCreated, nil
}

// Unlink removes the edge, reporting whether one existed.
func (e *Engine) Unlink(source, target string) (bool, error) {
	removed, err := e.store.RemoveLink(source, target)
	if err != nil {
		return false, fmt.Errorf("unlink %s -> %s: %w", source, target, err)
	}
	if removed {
		metrics.LinkOpsTotal.WithLabelValues("unlink").Inc()
	}
	return removed, nil
}

// Modified returns the users who have modified a term.
func (e *Engine) Modified(term string) ([]string, error) {
	users, err := e.store.Modifiers(term)
	if err != nil {
		return nil, fmt.Errorf("modifiers %s: %w", term, err)
	}
	return users, nil
}

// Delete permanently removes a term: score, history, modifiers, and both
// directions of every link. Returns whether the term existed.
func (e *Engine) Delete(term string) (bool, error) {
	existed, err := e.store.DeleteTerm(term)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", term, err)
	}
	if existed {
		e.log.WithFields(logrus.Fields{"action": "term.delete", "term": term}).Info("term deleted")
	}
	return existed, nil
}

// Best returns the top n terms by own score, n clamped to [1, 25].
func (e *Engine) Best(n int) ([]store.TermScore, error) {
	return e.store.Best(clampListN(n))
}

// Worst returns the bottom n terms by own score, n clamped to [1, 25].
func (e *Engine) Worst(n int) ([]store.TermScore, error) {
	return e.store.Worst(clampListN(n))
}

func clampListN(n int) int {
	if n < 1 {
		return 1
	}
	if n > 25 {
		return 25
	}
	return n
}
