package engine

import "fmt"

// CooldownActiveError reports that a (user, term) pair is still cooling
// down. It is a normal, expected outcome of a modification, not a failure:
// callers surface the remaining wait to the user and apply no state change.
type CooldownActiveError struct {
	Term      string
	Remaining int // whole seconds, at least 1
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("cooldown active on %s for %ds", e.Term, e.Remaining)
}

// LinkThresholdError reports that a link target's own score is below the
// configured minimum. Carries the threshold so callers can report it.
type LinkThresholdError struct {
	Term      string
	Threshold int64
}

func (e *LinkThresholdError) Error() string {
	return fmt.Sprintf("%s is below the link threshold of %d", e.Term, e.Threshold)
}
