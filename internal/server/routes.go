package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/Everlane/lita-karma/internal/command"
	"github.com/Everlane/lita-karma/internal/engine"
	"github.com/Everlane/lita-karma/internal/store"
)

type scoreJSON struct {
	Term  string          `json:"term"`
	Score int64           `json:"score"`
	Own   int64           `json:"own"`
	Links []linkScoreJSON `json:"links,omitempty"`
}

type linkScoreJSON struct {
	Term  string `json:"term"`
	Score int64  `json:"score"`
}

func toScoreJSON(s engine.Score) scoreJSON {
	out := scoreJSON{Term: s.Term, Score: s.Total, Own: s.Own}
	for _, l := range s.Links {
		out.Links = append(out.Links, linkScoreJSON{Term: l.Term, Score: l.Score})
	}
	return out
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text    string `json:"text"`
		UserID  string `json:"user_id"`
		Command bool   `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
		return
	}

	replies := s.cmd.Dispatch(command.Message{
		Text:    req.Text,
		UserID:  req.UserID,
		Command: req.Command,
	})
	if replies == nil {
		replies = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	term := chi.URLParam(r, "term")

	score, err := s.eng.Check(term)
	if err != nil {
		s.serverError(w, "term.check", err)
		return
	}
	writeJSON(w, http.StatusOK, toScoreJSON(score))
}

func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	s.handleModify(w, r, 1)
}

func (s *Server) handleDecrement(w http.ResponseWriter, r *http.Request) {
	s.handleModify(w, r, -1)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request, delta int64) {
	term := chi.URLParam(r, "term")

	var req struct {
		UserID string `json:"user_id"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	score, err := s.eng.Modify(term, req.UserID, delta)

	var cooldown *engine.CooldownActiveError
	if errors.As(err, &cooldown) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "cooldown",
			"retry_after": cooldown.Remaining,
		})
		return
	}
	if err != nil {
		s.serverError(w, "term.modify", err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"action": "term.modify", "term": term, "user": req.UserID, "delta": delta,
	}).Info("audit")
	writeJSON(w, http.StatusOK, toScoreJSON(score))
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	target := chi.URLParam(r, "target")

	outcome, err := s.eng.Link(source, target)

	var threshold *engine.LinkThresholdError
	if errors.As(err, &threshold) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "threshold_not_met",
			"threshold": threshold.Threshold,
		})
		return
	}
	if err != nil {
		s.serverError(w, "link.add", err)
		return
	}

	if outcome == engine.LinkExists {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_linked"})
		return
	}

	s.log.WithFields(logrus.Fields{
		"action": "link.add", "source": source, "target": target,
	}).Info("audit")
	writeJSON(w, http.StatusCreated, map[string]string{"status": "linked"})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	target := chi.URLParam(r, "target")

	removed, err := s.eng.Unlink(source, target)
	if err != nil {
		s.serverError(w, "link.remove", err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_linked"})
		return
	}

	s.log.WithFields(logrus.Fields{
		"action": "link.remove", "source": source, "target": target,
	}).Info("audit")
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

func (s *Server) handleModifiers(w http.ResponseWriter, r *http.Request) {
	term := chi.URLParam(r, "term")

	users, err := s.eng.Modified(term)
	if err != nil {
		s.serverError(w, "term.modifiers", err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"term": term, "modifiers": users})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	term := chi.URLParam(r, "term")

	existed, err := s.eng.Delete(term)
	if err != nil {
		s.serverError(w, "term.delete", err)
		return
	}
	if !existed {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}

	s.log.WithFields(logrus.Fields{"action": "term.delete", "term": term}).Info("audit")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBest(w http.ResponseWriter, r *http.Request) {
	s.handleRanked(w, r, true)
}

func (s *Server) handleWorst(w http.ResponseWriter, r *http.Request) {
	s.handleRanked(w, r, false)
}

func (s *Server) handleRanked(w http.ResponseWriter, r *http.Request, best bool) {
	n := 5
	if q := r.URL.Query().Get("n"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil {
			n = parsed
		}
	}

	var ranked []store.TermScore
	var err error
	if best {
		ranked, err = s.eng.Best(n)
	} else {
		ranked, err = s.eng.Worst(n)
	}
	if err != nil {
		s.serverError(w, "terms.ranked", err)
		return
	}

	out := make([]linkScoreJSON, len(ranked))
	for i, ts := range ranked {
		out[i] = linkScoreJSON{Term: ts.Term, Score: ts.Score}
	}
	writeJSON(w, http.StatusOK, map[string]any{"terms": out})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Sweep()
	if err != nil {
		s.serverError(w, "decay.sweep", err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"action": "decay.sweep", "terms": stats.Terms, "actions": stats.Actions,
	}).Info("audit")
	writeJSON(w, http.StatusOK, map[string]any{
		"terms":   stats.Terms,
		"actions": stats.Actions,
		"delta":   stats.Delta,
		"errors":  stats.Errors,
	})
}

func (s *Server) serverError(w http.ResponseWriter, action string, err error) {
	s.log.WithFields(logrus.Fields{"action": action, "error": err}).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
