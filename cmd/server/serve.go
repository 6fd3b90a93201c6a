package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-bff/authflow/authflowrepo"
	"github.com/jrsteele09/go-bff/internal/config"
	"github.com/jrsteele09/go-bff/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

func serve(ctx context.Context, configFile string) error {
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	setupLogging(c.GetEnv(), c.GetLogLevel())
	displayAppname(c.GetAppName())

	attempts, err := newAttemptRepo(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := attempts.Close(); err != nil {
			log.Err(err).Msg("failed to close attempt store")
		}
	}()

	handler, err := server.New(c, attempts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return shutdown(srv)
}

func listenAndServe(srv *http.Server) error {
	log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(srv *http.Server) error {
	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func newAttemptRepo(c config.StoreConfig) (authflowrepo.Repo, error) {
	switch c.GetAttemptStore() {
	case config.AttemptStoreRedis:
		repo, err := authflowrepo.NewRedisRepoFromURL(c.GetRedisURL())
		if err != nil {
			return nil, err
		}
		log.Info().Msg("using redis attempt store")
		return repo, nil
	default:
		log.Info().Msg("using in-memory attempt store; attempts do not survive restarts or span instances")
		return authflowrepo.NewInMemoryRepo(), nil
	}
}

// setupLogging uses a console writer in DEV and JSON elsewhere.
func setupLogging(env, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if env == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
