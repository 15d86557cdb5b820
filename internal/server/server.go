package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Everlane/lita-karma/internal/command"
	"github.com/Everlane/lita-karma/internal/engine"
	"github.com/Everlane/lita-karma/internal/store"
)

// Server is the karma HTTP API server.
type Server struct {
	st      store.Store
	eng     *engine.Engine
	cmd     *command.Router
	log     *logrus.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server over the given store, engine, and command router.
func New(st store.Store, eng *engine.Engine, cmd *command.Router, log *logrus.Logger, version string) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		st:      st,
		eng:     eng,
		cmd:     cmd,
		log:     log,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/messages", s.handleMessage)

		r.Get("/terms/{term}", s.handleCheck)
		r.Post("/terms/{term}/increment", s.handleIncrement)
		r.Post("/terms/{term}/decrement", s.handleDecrement)
		r.Get("/terms/{term}/modifiers", s.handleModifiers)
		r.Delete("/terms/{term}", s.handleDelete)

		r.Put("/terms/{source}/links/{target}", s.handleLink)
		r.Delete("/terms/{source}/links/{target}", s.handleUnlink)

		r.Get("/best", s.handleBest)
		r.Get("/worst", s.handleWorst)

		r.Post("/decay", s.handleDecay)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := true
	if err := s.st.Ping(); err != nil {
		storeOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"store":   storeOK,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
