// Package command matches chat messages against the karma routes and turns
// engine results into reply text. The transport that delivers messages and
// posts replies is not part of this package.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Everlane/lita-karma/internal/engine"
	"github.com/Everlane/lita-karma/internal/store"
)

// DefaultTermPattern matches a karma term: two or more word characters,
// brackets, dots, pipes, or braces.
const DefaultTermPattern = `[\[\]\p{L}\p{N}_.|{}]{2,}`

// tokenTerminator forces karma tokens to end at whitespace or end of string,
// so constructs like foo--bar (common in URLs) don't modify karma. RE2 has
// no lookahead, so the terminator is consumed; matches are extracted, not
// replaced, which makes that harmless.
const tokenTerminator = `(?:\s|$)`

// Message is one inbound chat message.
type Message struct {
	Text    string
	UserID  string
	Command bool // addressed directly to the bot
}

// Router matches messages against the karma routes and dispatches to the
// engine.
type Router struct {
	eng       *engine.Engine
	log       *logrus.Logger
	normalize func(string) string

	increment *regexp.Regexp
	decrement *regexp.Regexp
	check     *regexp.Regexp
	link      *regexp.Regexp
	unlink    *regexp.Regexp
	best      *regexp.Regexp
	worst     *regexp.Regexp
	modified  *regexp.Regexp
	delete    *regexp.Regexp
	bare      *regexp.Regexp
}

// NewRouter compiles the route table for the given term pattern. An empty
// pattern selects DefaultTermPattern; a nil normalizer selects
// lowercase+trim.
func NewRouter(eng *engine.Engine, pattern string, normalize func(string) string, log *logrus.Logger) (*Router, error) {
	if pattern == "" {
		pattern = DefaultTermPattern
	}
	if normalize == nil {
		normalize = func(term string) string {
			return strings.ToLower(strings.TrimSpace(term))
		}
	}
	if log == nil {
		log = logrus.New()
	}

	r := &Router{eng: eng, log: log, normalize: normalize}

	var err error
	compile := func(expr string) *regexp.Regexp {
		if err != nil {
			return nil
		}
		var re *regexp.Regexp
		re, err = regexp.Compile(expr)
		return re
	}

	r.increment = compile(`(` + pattern + `)\+\+` + tokenTerminator)
	r.decrement = compile(`(` + pattern + `)--` + tokenTerminator)
	r.check = compile(`(` + pattern + `)~~` + tokenTerminator)
	r.link = compile(`^(` + pattern + `)\s*\+=\s*(` + pattern + `)(?:\+\+|--|~~)?` + tokenTerminator)
	r.unlink = compile(`^(` + pattern + `)\s*-=\s*(` + pattern + `)(?:\+\+|--|~~)?` + tokenTerminator)
	r.best = compile(`^karma\s+best(?:\s+(\d+))?\s*$`)
	r.worst = compile(`^karma\s+worst(?:\s+(\d+))?\s*$`)
	r.modified = compile(`^karma\s+modified\s+(\S+)`)
	r.delete = compile(`^karma\s+delete\s+(.+)$`)
	r.bare = compile(`^karma\s*$`)
	if err != nil {
		return nil, fmt.Errorf("compile term routes: %w", err)
	}
	return r, nil
}

// Dispatch evaluates every route against the message and returns the replies
// in route order. Routes are independent: one message can fire several.
func (r *Router) Dispatch(msg Message) []string {
	var replies []string

	if msg.Command {
		replies = append(replies, r.dispatchCommands(msg)...)
	}

	// Inline routes fire on any message, addressed or not. Increment and
	// decrement handle every match; check collapses repeated mentions of the
	// same normalized term.
	for _, m := range r.increment.FindAllStringSubmatch(msg.Text, -1) {
		replies = append(replies, r.modify(r.normalize(m[1]), msg.UserID, 1))
	}
	for _, m := range r.decrement.FindAllStringSubmatch(msg.Text, -1) {
		replies = append(replies, r.modify(r.normalize(m[1]), msg.UserID, -1))
	}

	seen := make(map[string]bool)
	for _, m := range r.check.FindAllStringSubmatch(msg.Text, -1) {
		term := r.normalize(m[1])
		if seen[term] {
			continue
		}
		seen[term] = true
		replies = append(replies, r.checkTerm(term))
	}

	return replies
}

func (r *Router) dispatchCommands(msg Message) []string {
	var replies []string

	if m := r.best.FindStringSubmatch(msg.Text); m != nil {
		replies = append(replies, r.list(m[1], true))
	}
	if m := r.worst.FindStringSubmatch(msg.Text); m != nil {
		replies = append(replies, r.list(m[1], false))
	}
	if r.bare.MatchString(msg.Text) {
		replies = append(replies, r.list("", true))
	}
	if m := r.modified.FindStringSubmatch(msg.Text); m != nil {
		replies = append(replies, r.modifiedReply(r.normalize(m[1])))
	}
	if m := r.delete.FindStringSubmatch(msg.Text); m != nil {
		// The delete argument is taken exactly as typed, not normalized or
		// pattern-matched, so terms predating a pattern change stay reachable.
		replies = append(replies, r.deleteReply(m[1]))
	}
	if m := r.link.FindStringSubmatch(msg.Text); m != nil {
		replies = append(replies, r.linkReply(r.normalize(m[1]), r.normalize(m[2])))
	}
	if m := r.unlink.FindStringSubmatch(msg.Text); m != nil {
		replies = append(replies, r.unlinkReply(r.normalize(m[1]), r.normalize(m[2])))
	}

	return replies
}

func (r *Router) modify(term, userID string, delta int64) string {
	score, err := r.eng.Modify(term, userID, delta)

	var cooldown *engine.CooldownActiveError
	if errors.As(err, &cooldown) {
		return formatCooldown(term, cooldown.Remaining)
	}
	if err != nil {
		r.log.WithFields(logrus.Fields{"term": term, "error": err}).Error("modify failed")
		return storeUnavailableReply
	}
	return formatScore(score)
}

func (r *Router) checkTerm(term string) string {
	score, err := r.eng.Check(term)
	if err != nil {
		r.log.WithFields(logrus.Fields{"term": term, "error": err}).Error("check failed")
		return storeUnavailableReply
	}
	return formatScore(score)
}

func (r *Router) linkReply(source, target string) string {
	if source == target {
		return fmt.Sprintf("%s cannot be linked to itself.", source)
	}

	outcome, err := r.eng.Link(source, target)

	var threshold *engine.LinkThresholdError
	if errors.As(err, &threshold) {
		return fmt.Sprintf("%s must have at least %d karma points to be linked.",
			target, threshold.Threshold)
	}
	if err != nil {
		r.log.WithFields(logrus.Fields{"source": source, "target": target, "error": err}).Error("link failed")
		return storeUnavailableReply
	}

	if outcome == engine.LinkExists {
		return fmt.Sprintf("%s is already linked to %s.", target, source)
	}
	return fmt.Sprintf("%s has been linked to %s.", target, source)
}

func (r *Router) unlinkReply(source, target string) string {
	removed, err := r.eng.Unlink(source, target)
	if err != nil {
		r.log.WithFields(logrus.Fields{"source": source, "target": target, "error": err}).Error("unlink failed")
		return storeUnavailableReply
	}
	if !removed {
		return fmt.Sprintf("%s is not linked to %s.", target, source)
	}
	return fmt.Sprintf("%s has been unlinked from %s.", target, source)
}

func (r *Router) modifiedReply(term string) string {
	users, err := r.eng.Modified(term)
	if err != nil {
		r.log.WithFields(logrus.Fields{"term": term, "error": err}).Error("modified failed")
		return storeUnavailableReply
	}
	if len(users) == 0 {
		return fmt.Sprintf("%s has never been modified.", term)
	}
	return strings.Join(users, ", ")
}

func (r *Router) deleteReply(term string) string {
	existed, err := r.eng.Delete(term)
	if err != nil {
		r.log.WithFields(logrus.Fields{"term": term, "error": err}).Error("delete failed")
		return storeUnavailableReply
	}
	if !existed {
		return fmt.Sprintf("%s does not exist.", term)
	}
	return fmt.Sprintf("%s has been deleted.", term)
}

func (r *Router) list(countArg string, best bool) string {
	n := 5
	if countArg != "" {
		if parsed, err := strconv.Atoi(countArg); err == nil {
			n = parsed
		}
	}

	var ranked []store.TermScore
	var err error
	if best {
		ranked, err = r.eng.Best(n)
	} else {
		ranked, err = r.eng.Worst(n)
	}
	if err != nil {
		r.log.WithError(err).Error("list failed")
		return storeUnavailableReply
	}

	if len(ranked) == 0 {
		return "There are no terms being tracked yet."
	}

	lines := make([]string, len(ranked))
	for i, row := range ranked {
		lines[i] = fmt.Sprintf("%d. %s (%d)", i+1, row.Term, row.Score)
	}
	return strings.Join(lines, "\n")
}

const storeUnavailableReply = "karma is temporarily unavailable."

func formatScore(s engine.Score) string {
	if len(s.Links) == 0 {
		return fmt.Sprintf("%s: %d", s.Term, s.Total)
	}
	parts := make([]string, len(s.Links))
	for i, l := range s.Links {
		parts[i] = fmt.Sprintf("%s: %d", l.Term, l.Score)
	}
	return fmt.Sprintf("%s: %d (%d), linked to: %s", s.Term, s.Total, s.Own, strings.Join(parts, ", "))
}

func formatCooldown(term string, seconds int) string {
	unit := "seconds"
	if seconds == 1 {
		unit = "second"
	}
	return fmt.Sprintf("You cannot modify %s for another %d %s.", term, seconds, unit)
}
