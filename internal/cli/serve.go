package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Everlane/lita-karma/internal/command"
	"github.com/Everlane/lita-karma/internal/config"
	"github.com/Everlane/lita-karma/internal/engine"
	"github.com/Everlane/lita-karma/internal/server"
	"github.com/Everlane/lita-karma/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	eng := engine.New(st, cfg.Karma, log)
	eng.StartDecayTimer()
	defer eng.Stop()

	router, err := command.NewRouter(eng, cfg.Karma.TermPattern, nil, log)
	if err != nil {
		return fmt.Errorf("build command router: %w", err)
	}

	srv := server.New(st, eng, router, log, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.WithFields(logrus.Fields{
			"addr":    addr,
			"backend": cfg.Database.Backend,
			"decay":   cfg.Karma.Decay,
		}).Info("karma serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	<-done
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("KARMA_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// loadConfig resolves the config path flag (or its default location) and
// applies environment overrides.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.Config{}, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".karma", "config.yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if dbPath := os.Getenv("KARMA_DB"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// openStore opens the configured backend for CLI commands and the server.
func openStore(cfg config.Config) (store.Store, error) {
	return store.Open(cfg.Database.Backend, cfg.Database.Path)
}
