package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/skyfeed/internal/auth"
	"github.com/blackmichael/skyfeed/internal/bluesky"
	"github.com/blackmichael/skyfeed/internal/config"
	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/feed"
	"github.com/blackmichael/skyfeed/internal/firehose"
	"github.com/blackmichael/skyfeed/internal/httpserver"
	"github.com/blackmichael/skyfeed/internal/memstore"
	"github.com/blackmichael/skyfeed/internal/sqlite"
	"github.com/blackmichael/skyfeed/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	kv, closeStore, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("opened store", "path", cfg.DBPath)

	opts := []bluesky.Option{bluesky.WithHTTPTimeout(cfg.HTTPTimeout)}
	if cfg.Debug {
		opts = append(opts, bluesky.WithDebugLogging(logger))
	}
	client := bluesky.NewClient(cfg.PDSURL, opts...)

	sessions := auth.NewStore(client, kv, logger)
	engine := feed.NewService(transport.New(client, sessions, logger), sessions, kv, logger, feed.WithCacheTTL(cfg.CacheTTL))

	// Set up graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessions.OnChange(func(s *domain.Session) {
		if s == nil {
			engine.InvalidateSource(context.WithoutCancel(ctx))
		}
	})

	if session, err := sessions.EnsureValid(ctx); err != nil {
		logger.Info("no usable session, waiting for connect", "reason", err)
	} else {
		logger.Info("resumed session", "did", session.DID, "handle", session.Handle)
		go engine.Load(ctx)
	}

	if cfg.FirehoseEnabled {
		subscriber := firehose.NewSubscriber(cfg.FirehoseURL, sessions, engine, kv, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("firehose subscriber exited with error", "error", err)
			}
		}()
	}

	server := httpserver.NewServer(cfg, sessions, engine, logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited with error", "error", err)
			cancel()
		}
	}()

	logger.Info("server started", "port", cfg.Port, "pds", cfg.PDSURL)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

// openStore opens the SQLite store, or an in-memory one when path is empty.
func openStore(path string) (domain.KeyValueStore, func(), error) {
	if path == "" {
		return memstore.New(), func() {}, nil
	}
	repo, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return repo, func() { repo.Close() }, nil
}
