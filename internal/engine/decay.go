package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Everlane/lita-karma/internal/metrics"
)

// SweepStats summarizes one decay sweep.
type SweepStats struct {
	Terms   int   // terms decayed
	Actions int   // action records removed
	Delta   int64 // total score rolled back
	Errors  int   // terms skipped due to per-term failures
}

// Sweep runs one decay pass at the current clock time.
func (e *Engine) Sweep() (SweepStats, error) {
	return e.SweepAt(e.clock())
}

// SweepAt rolls back the contribution of actions older than now minus the
// decay interval. Each term is decayed in its own store transaction, so a
// failure on one term never blocks the rest, and re-running with no newly
// eligible actions is a no-op.
func (e *Engine) SweepAt(now time.Time) (SweepStats, error) {
	var stats SweepStats

	interval := e.cfg.DecayInterval()
	if interval <= 0 {
		return stats, nil
	}
	cutoff := now.Add(-interval)

	terms, err := e.store.DecayableTerms(cutoff)
	if err != nil {
		return stats, fmt.Errorf("list decayable terms: %w", err)
	}

	for _, term := range terms {
		res, err := e.store.DecayTerm(term, cutoff)
		if err != nil {
			stats.Errors++
			e.log.WithFields(logrus.Fields{"term": term, "error": err}).Warn("decay failed for term")
			continue
		}
		if res.Removed == 0 {
			continue
		}
		stats.Terms++
		stats.Actions += res.Removed
		stats.Delta += res.Delta
		metrics.DecayedTermsTotal.Inc()
		metrics.DecayedActionsTotal.Add(float64(res.Removed))
	}

	return stats, nil
}

// StartDecayTimer runs a sweep at startup and then once per decay interval.
// No-op unless decay is enabled.
func (e *Engine) StartDecayTimer() {
	if !e.cfg.Decay || e.cfg.DecayIntervalSeconds <= 0 {
		return
	}

	e.runSweep()

	go func() {
		ticker := time.NewTicker(e.cfg.DecayInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runSweep()
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) runSweep() {
	stats, err := e.Sweep()
	if err != nil {
		e.log.WithError(err).Error("decay sweep failed")
		return
	}
	if stats.Terms > 0 || stats.Errors > 0 {
		e.log.WithFields(logrus.Fields{
			"terms":   stats.Terms,
			"actions": stats.Actions,
			"delta":   stats.Delta,
			"errors":  stats.Errors,
		}).Info("decay sweep complete")
	}
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	close(e.stopCh)
}
