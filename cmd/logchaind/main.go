// Command logchaind runs the logchain server: it ingests signed batches
// from agents, persists them append-only, and serves the query surface.
// All configuration comes from the environment (see Config).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karasz/logchain"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := logchain.ConfigFromEnv()
	if err != nil {
		log.Error("configuration", "err", err)
		os.Exit(1)
	}

	store, err := logchain.OpenSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Error("open store", "db", cfg.DatabaseURL, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logchain.RunBackups(ctx, store, cfg.BackupPath, cfg.BackupInterval, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           logchain.NewServer(cfg, store, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", cfg.Addr, "db", cfg.DatabaseURL,
		"require_registration", cfg.RequireRegistration)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serve", "err", err)
		os.Exit(1)
	}
}
