package store

import (
	"testing"
	"time"
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestModifyAccumulates(t *testing.T) {
	db := testStore(t)
	now := time.Now()

	deltas := []int64{1, 1, -1, 1}
	var sum int64
	var score int64
	var err error
	for _, d := range deltas {
		sum += d
		score, err = db.Modify("go", "u1", d, now)
		if err != nil {
			t.Fatalf("Modify: %v", err)
		}
	}

	if score != sum {
		t.Errorf("score = %d, want %d", score, sum)
	}

	stored, err := db.Score("go")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if stored != sum {
		t.Errorf("stored score = %d, want %d", stored, sum)
	}

	count, err := db.ActionCount("go")
	if err != nil {
		t.Fatalf("ActionCount: %v", err)
	}
	if count != len(deltas) {
		t.Errorf("action count = %d, want %d", count, len(deltas))
	}

	mods, err := db.Modifiers("go")
	if err != nil {
		t.Fatalf("Modifiers: %v", err)
	}
	if len(mods) != 1 || mods[0] != "u1" {
		t.Errorf("modifiers = %v, want [u1]", mods)
	}
}

func TestModifyAnonymous(t *testing.T) {
	db := testStore(t)

	if _, err := db.Modify("go", "", 1, time.Now()); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	mods, _ := db.Modifiers("go")
	if len(mods) != 0 {
		t.Errorf("modifiers = %v, want none for anonymous action", mods)
	}

	count, _ := db.ActionCount("go")
	if count != 1 {
		t.Errorf("action count = %d, want 1", count)
	}
}

func TestScoreUnknownTerm(t *testing.T) {
	db := testStore(t)

	score, err := db.Score("never-seen")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 0 {
		t.Errorf("score = %d, want 0", score)
	}
}

func TestBestWorst(t *testing.T) {
	db := testStore(t)
	now := time.Now()

	seed := map[string]int64{"alpha": 3, "beta": -2, "gamma": 5}
	for term, score := range seed {
		if _, err := db.Modify(term, "u1", score, now); err != nil {
			t.Fatalf("Modify %s: %v", term, err)
		}
	}

	best, err := db.Best(2)
	if err != nil {
		t.Fatalf("Best: %v", err)
	}
	if len(best) != 2 || best[0].Term != "gamma" || best[1].Term != "alpha" {
		t.Errorf("best = %v, want [gamma alpha]", best)
	}

	worst, err := db.Worst(2)
	if err != nil {
		t.Fatalf("Worst: %v", err)
	}
	if len(worst) != 2 || worst[0].Term != "beta" || worst[1].Term != "alpha" {
		t.Errorf("worst = %v, want [beta alpha]", worst)
	}

	all, _ := db.Best(10)
	if len(all) != 3 {
		t.Errorf("Best(10) returned %d terms, want 3", len(all))
	}

	count, _ := db.TermCount()
	if count != 3 {
		t.Errorf("term count = %d, want 3", count)
	}
}

func TestLinkLockstep(t *testing.T) {
	db := testStore(t)

	added, err := db.AddLink("foo", "bar")
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if !added {
		t.Error("expected first AddLink to report added")
	}

	added, _ = db.AddLink("foo", "bar")
	if added {
		t.Error("expected duplicate AddLink to report not added")
	}

	links, _ := db.Links("foo")
	if len(links) != 1 || links[0] != "bar" {
		t.Errorf("links = %v, want [bar]", links)
	}
	from, _ := db.LinkedFrom("bar")
	if len(from) != 1 || from[0] != "foo" {
		t.Errorf("linked from = %v, want [foo]", from)
	}

	removed, err := db.RemoveLink("foo", "bar")
	if err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}
	if !removed {
		t.Error("expected RemoveLink to report removed")
	}

	removed, _ = db.RemoveLink("foo", "bar")
	if removed {
		t.Error("expected second RemoveLink to report not removed")
	}

	links, _ = db.Links("foo")
	if len(links) != 0 {
		t.Errorf("links after removal = %v, want none", links)
	}
	from, _ = db.LinkedFrom("bar")
	if len(from) != 0 {
		t.Errorf("linked from after removal = %v, want none", from)
	}
}

func TestCooldown(t *testing.T) {
	db := testStore(t)
	now := time.Now()

	if err := db.SetCooldown("u1", "go", 300*time.Second, now); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}

	remaining, err := db.CooldownRemaining("u1", "go", now.Add(299*time.Second))
	if err != nil {
		t.Fatalf("CooldownRemaining: %v", err)
	}
	if remaining <= 0 || remaining > time.Second {
		t.Errorf("remaining = %v, want (0, 1s]", remaining)
	}

	remaining, err = db.CooldownRemaining("u1", "go", now.Add(301*time.Second))
	if err != nil {
		t.Fatalf("CooldownRemaining after expiry: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining after expiry = %v, want 0", remaining)
	}

	// No lease at all
	remaining, _ = db.CooldownRemaining("u2", "go", now)
	if remaining != 0 {
		t.Errorf("remaining without lease = %v, want 0", remaining)
	}
}

// seedDecayScenario builds a term ("foo") with fresh and stale actions:
// joe has one action today and one a day-plus old; amy one today and two
// older; four anonymous actions are all older than a day.
func seedDecayScenario(t *testing.T, db *SQLite, now time.Time) {
	t.Helper()
	day := 24 * time.Hour

	ages := []struct {
		user string
		at   time.Time
	}{
		{"joe", now},
		{"joe", now.Add(-day - time.Hour)},
		{"amy", now},
		{"amy", now.Add(-day - time.Hour)},
		{"amy", now.Add(-2*day - time.Hour)},
		{"", now.Add(-day - time.Hour)},
		{"", now.Add(-2*day - time.Hour)},
		{"", now.Add(-3*day - time.Hour)},
		{"", now.Add(-4*day - time.Hour)},
	}
	for _, a := range ages {
		if _, err := db.Modify("foo", a.user, 1, a.at); err != nil {
			t.Fatalf("seed Modify: %v", err)
		}
	}
}

func TestDecayTerm(t *testing.T) {
	db := testStore(t)
	now := time.Now()
	seedDecayScenario(t, db, now)

	cutoff := now.Add(-24 * time.Hour)

	terms, err := db.DecayableTerms(cutoff)
	if err != nil {
		t.Fatalf("DecayableTerms: %v", err)
	}
	if len(terms) != 1 || terms[0] != "foo" {
		t.Fatalf("decayable = %v, want [foo]", terms)
	}

	res, err := db.DecayTerm("foo", cutoff)
	if err != nil {
		t.Fatalf("DecayTerm: %v", err)
	}
	if res.Removed != 7 {
		t.Errorf("removed = %d, want 7", res.Removed)
	}
	if res.Delta != 7 {
		t.Errorf("delta = %d, want 7", res.Delta)
	}

	score, _ := db.Score("foo")
	if score != 2 {
		t.Errorf("score after decay = %d, want 2", score)
	}
	count, _ := db.ActionCount("foo")
	if count != 2 {
		t.Errorf("actions after decay = %d, want 2", count)
	}

	// joe and amy both still have a fresh action
	mods, _ := db.Modifiers("foo")
	if len(mods) != 2 {
		t.Errorf("modifiers after decay = %v, want [amy joe]", mods)
	}
}

func TestDecayPrunesAgedModifiers(t *testing.T) {
	db := testStore(t)
	now := time.Now()
	day := 24 * time.Hour

	db.Modify("foo", "ann", 1, now)
	db.Modify("foo", "bob", 1, now.Add(-2*day))

	if _, err := db.DecayTerm("foo", now.Add(-day)); err != nil {
		t.Fatalf("DecayTerm: %v", err)
	}

	mods, _ := db.Modifiers("foo")
	if len(mods) != 1 || mods[0] != "ann" {
		t.Errorf("modifiers = %v, want [ann]", mods)
	}
}

func TestDecayIdempotent(t *testing.T) {
	db := testStore(t)
	now := time.Now()
	seedDecayScenario(t, db, now)

	cutoff := now.Add(-24 * time.Hour)
	if _, err := db.DecayTerm("foo", cutoff); err != nil {
		t.Fatalf("first DecayTerm: %v", err)
	}
	scoreAfterFirst, _ := db.Score("foo")

	res, err := db.DecayTerm("foo", cutoff)
	if err != nil {
		t.Fatalf("second DecayTerm: %v", err)
	}
	if res.Removed != 0 || res.Delta != 0 {
		t.Errorf("second decay = %+v, want zero result", res)
	}

	score, _ := db.Score("foo")
	if score != scoreAfterFirst {
		t.Errorf("score changed across idempotent decay: %d != %d", score, scoreAfterFirst)
	}

	terms, _ := db.DecayableTerms(cutoff)
	if len(terms) != 0 {
		t.Errorf("decayable after full decay = %v, want none", terms)
	}
}

func TestDecayNothingEligible(t *testing.T) {
	db := testStore(t)
	now := time.Now()

	db.Modify("foo", "u1", 1, now)

	res, err := db.DecayTerm("foo", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DecayTerm: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("removed = %d, want 0", res.Removed)
	}

	score, _ := db.Score("foo")
	if score != 1 {
		t.Errorf("score = %d, want 1", score)
	}
}

func TestDeleteTerm(t *testing.T) {
	db := testStore(t)
	now := time.Now()

	db.Modify("foo", "u1", 2, now)
	db.Modify("bar", "u2", 1, now)
	db.Modify("baz", "u3", 1, now)
	db.AddLink("foo", "bar") // foo -> bar
	db.AddLink("baz", "foo") // baz -> foo

	existed, err := db.DeleteTerm("foo")
	if err != nil {
		t.Fatalf("DeleteTerm: %v", err)
	}
	if !existed {
		t.Error("expected delete to report the term existed")
	}

	score, _ := db.Score("foo")
	if score != 0 {
		t.Errorf("score after delete = %d, want 0", score)
	}
	count, _ := db.ActionCount("foo")
	if count != 0 {
		t.Errorf("actions after delete = %d, want 0", count)
	}
	mods, _ := db.Modifiers("foo")
	if len(mods) != 0 {
		t.Errorf("modifiers after delete = %v, want none", mods)
	}

	// Both directions of the graph are severed.
	from, _ := db.LinkedFrom("bar")
	if len(from) != 0 {
		t.Errorf("bar linked from = %v, want none", from)
	}
	links, _ := db.Links("baz")
	if len(links) != 0 {
		t.Errorf("baz links = %v, want none", links)
	}

	existed, _ = db.DeleteTerm("foo")
	if existed {
		t.Error("expected second delete to report non-existence")
	}
}
