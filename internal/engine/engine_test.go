package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/Everlane/lita-karma/internal/config"
	"github.com/Everlane/lita-karma/internal/store"
)

func testEngine(t *testing.T, cfg config.KarmaConfig) (*Engine, *store.SQLite) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(db, cfg, log), db
}

func TestModifyAndCheck(t *testing.T) {
	eng, _ := testEngine(t, config.KarmaConfig{})

	s, err := eng.Increment("go", "u1")
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if s.Own != 1 || s.Total != 1 {
		t.Errorf("score = %+v, want own 1 total 1", s)
	}

	s, err = eng.Decrement("go", "u2")
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if s.Own != 0 || s.Total != 0 {
		t.Errorf("score = %+v, want own 0 total 0", s)
	}
}

func TestCooldownGate(t *testing.T) {
	eng, _ := testEngine(t, config.KarmaConfig{CooldownSeconds: 300})

	current := time.Now()
	eng.SetClock(func() time.Time { return current })

	if _, err := eng.Increment("go", "u1"); err != nil {
		t.Fatalf("first Increment: %v", err)
	}

	_, err := eng.Increment("go", "u1")
	var cdErr *CooldownActiveError
	if !errors.As(err, &cdErr) {
		t.Fatalf("second Increment err = %v, want CooldownActiveError", err)
	}
	if cdErr.Remaining != 300 {
		t.Errorf("remaining = %d, want 300", cdErr.Remaining)
	}
	if cdErr.Term != "go" {
		t.Errorf("term = %q, want go", cdErr.Term)
	}

	// The lease is per (user, term): another user and another term pass.
	if _, err := eng.Increment("go", "u2"); err != nil {
		t.Errorf("other user blocked: %v", err)
	}
	if _, err := eng.Increment("rust", "u1"); err != nil {
		t.Errorf("other term blocked: %v", err)
	}

	current = current.Add(301 * time.Second)
	if _, err := eng.Increment("go", "u1"); err != nil {
		t.Errorf("Increment after expiry: %v", err)
	}
}

func TestCooldownSkipsAnonymous(t *testing.T) {
	eng, _ := testEngine(t, config.KarmaConfig{CooldownSeconds: 300})

	current := time.Now()
	eng.SetClock(func() time.Time { return current })

	if _, err := eng.Increment("go", ""); err != nil {
		t.Fatalf("first anonymous Increment: %v", err)
	}
	s, err := eng.Increment("go", "")
	if err != nil {
		t.Fatalf("second anonymous Increment: %v", err)
	}
	if s.Own != 2 {
		t.Errorf("score = %d, want 2", s.Own)
	}
}

func TestLinkDirectional(t *testing.T) {
	eng, _ := testEngine(t, config.KarmaConfig{})

	eng.Increment("bar", "u1")

	outcome, err := eng.Link("foo", "bar")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if outcome != LinkCreated {
		t.Errorf("outcome = %v, want LinkCreated", outcome)
	}

	outcome, err = eng.Link("foo", "bar")
	if err != nil {
		t.Fatalf("repeat Link: %v", err)
	}
	if outcome != LinkExists {
		t.Errorf("outcome = %v, want LinkExists", outcome)
	}

	s, _ := eng.Check("foo")
	if s.Own != 0 || s.Total != 1 {
		t.Errorf("foo = %+v, want own 0 total 1", s)
	}
	if len(s.Links) != 1 || s.Links[0].Term != "bar" || s.Links[0].Score != 1 {
		t.Errorf("foo links = %v, want [{bar 1}]", s.Links)
	}

	// The edge contributes nothing in the other direction.
	s, _ = eng.Check("bar")
	if s.Own != 1 || s.Total != 1 || len(s.Links) != 0 {
		t.Errorf("bar = %+v, want own 1 total 1, no links", s)
	}
}

func TestLinkThreshold(t *testing.T) {
	eng, db := testEngine(t, config.KarmaConfig{LinkThreshold: 10})

	db.Modify("bar", "u1", 3, time.Now())

	_, err := eng.Link("foo", "bar")
	var thErr *LinkThresholdError
	if !errors.As(err, &thErr) {
		t.Fatalf("Link err = %v, want LinkThresholdError", err)
	}
	if thErr.Term != "bar" || thErr.Threshold != 10 {
		t.Errorf("threshold error = %+v", thErr)
	}

	// The threshold is a distance from zero, so a deeply negative term
	// qualifies too.
	db.Modify("baz", "u1", -12, time.Now())
	if _, err := eng.Link("foo", "baz"); err != nil {
		t.Errorf("Link to negative term: %v", err)
	}

	db.Modify("qux", "u1", 10, time.Now())
	if _, err := eng.Link("foo", "qux"); err != nil {
		t.Errorf("Link at exact threshold: %v", err)
	}
}

func TestUnlink(t *testing.T) {
	eng, _ := testEngine(t, config.KarmaConfig{})

	eng.Increment("bar", "u1")
	eng.Link("foo", "bar")

	removed, err := eng.Unlink("foo", "bar")
	if err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if !removed {
		t.Error("expected Unlink to report removed")
	}

	removed, _ = eng.Unlink("foo", "bar")
	if removed {
		t.Error("expected second Unlink to report nothing removed")
	}

	s, _ := eng.Check("foo")
	if s.Total != 0 || len(s.Links) != 0 {
		t.Errorf("foo after unlink = %+v, want no linked contribution", s)
	}
}

func TestCheckIsPure(t *testing.T) {
	eng, db := testEngine(t, config.KarmaConfig{})

	eng.Increment("go", "u1")

	for i := 0; i < 3; i++ {
		if _, err := eng.Check("go"); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}

	count, _ := db.ActionCount("go")
	if count != 1 {
		t.Errorf("action count = %d, want 1 after repeated checks", count)
	}
}

func TestListClamp(t *testing.T) {
	eng, db := testEngine(t, config.KarmaConfig{})

	now := time.Now()
	for i := 0; i < 30; i++ {
		term := fmt.Sprintf("term%02d", i)
		if _, err := db.Modify(term, "u1", int64(i+1), now); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	best, err := eng.Best(100)
	if err != nil {
		t.Fatalf("Best: %v", err)
	}
	if len(best) != 25 {
		t.Errorf("Best(100) returned %d terms, want 25", len(best))
	}
	if best[0].Term != "term29" || best[0].Score != 30 {
		t.Errorf("best[0] = %+v, want term29 with 30", best[0])
	}

	worst, _ := eng.Worst(0)
	if len(worst) != 1 {
		t.Errorf("Worst(0) returned %d terms, want 1", len(worst))
	}
	if worst[0].Term != "term00" {
		t.Errorf("worst[0] = %+v, want term00", worst[0])
	}
}

func TestDelete(t *testing.T) {
	eng, _ := testEngine(t, config.KarmaConfig{})

	eng.Increment("go", "u1")

	existed, err := eng.Delete("go")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("expected Delete to report the term existed")
	}
	if existed, _ := eng.Delete("go"); existed {
		t.Error("expected second Delete to report non-existence")
	}
}

func TestSweepAt(t *testing.T) {
	eng, db := testEngine(t, config.KarmaConfig{DecayIntervalSeconds: 86400})

	now := time.Now()
	day := 24 * time.Hour
	db.Modify("foo", "joe", 1, now)
	db.Modify("foo", "joe", 1, now.Add(-day-time.Hour))
	db.Modify("foo", "amy", 1, now.Add(-2*day-time.Hour))
	db.Modify("bar", "joe", 1, now)

	stats, err := eng.SweepAt(now)
	if err != nil {
		t.Fatalf("SweepAt: %v", err)
	}
	if stats.Terms != 1 || stats.Actions != 2 || stats.Delta != 2 {
		t.Errorf("stats = %+v, want 1 term, 2 actions, delta 2", stats)
	}
	if stats.Errors != 0 {
		t.Errorf("errors = %d, want 0", stats.Errors)
	}

	score, _ := db.Score("foo")
	if score != 1 {
		t.Errorf("foo after sweep = %d, want 1", score)
	}
	score, _ = db.Score("bar")
	if score != 1 {
		t.Errorf("bar after sweep = %d, want 1", score)
	}

	stats, err = eng.SweepAt(now)
	if err != nil {
		t.Fatalf("second SweepAt: %v", err)
	}
	if stats.Terms != 0 || stats.Actions != 0 {
		t.Errorf("second sweep = %+v, want no-op", stats)
	}
}

func TestSweepWithoutInterval(t *testing.T) {
	eng, db := testEngine(t, config.KarmaConfig{})

	db.Modify("foo", "joe", 1, time.Now().Add(-48*time.Hour))

	stats, err := eng.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Terms != 0 {
		t.Errorf("stats = %+v, want nothing swept without an interval", stats)
	}

	score, _ := db.Score("foo")
	if score != 1 {
		t.Errorf("score = %d, want untouched 1", score)
	}
}

// timerStore is an inert Store so the decay timer test observes only the
// engine's own goroutine.
type timerStore struct{}

func (timerStore) Modify(string, string, int64, time.Time) (int64, error) { return 0, nil }
func (timerStore) Score(string) (int64, error)                            { return 0, nil }
func (timerStore) Best(int) ([]store.TermScore, error)                    { return nil, nil }
func (timerStore) Worst(int) ([]store.TermScore, error)                   { return nil, nil }
func (timerStore) TermCount() (int, error)                                { return 0, nil }
func (timerStore) AddLink(string, string) (bool, error)                   { return false, nil }
func (timerStore) RemoveLink(string, string) (bool, error)                { return false, nil }
func (timerStore) Links(string) ([]string, error)                         { return nil, nil }
func (timerStore) LinkedFrom(string) ([]string, error)                    { return nil, nil }
func (timerStore) Modifiers(string) ([]string, error)                     { return nil, nil }
func (timerStore) SetCooldown(string, string, time.Duration, time.Time) error {
	return nil
}
func (timerStore) CooldownRemaining(string, string, time.Time) (time.Duration, error) {
	return 0, nil
}
func (timerStore) ActionCount(string) (int, error)                  { return 0, nil }
func (timerStore) DecayableTerms(time.Time) ([]string, error)       { return nil, nil }
func (timerStore) DecayTerm(string, time.Time) (store.DecayResult, error) {
	return store.DecayResult{}, nil
}
func (timerStore) DeleteTerm(string) (bool, error) { return false, nil }
func (timerStore) Ping() error                     { return nil }
func (timerStore) Close() error                    { return nil }

func TestDecayTimerStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := config.KarmaConfig{Decay: true, DecayIntervalSeconds: 3600}
	eng := New(timerStore{}, cfg, log)

	eng.StartDecayTimer()
	eng.Stop()
}
