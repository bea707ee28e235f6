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

	"github.com/blackmichael/bluesky-liked-feeds/internal/auth"
	"github.com/blackmichael/bluesky-liked-feeds/internal/bluesky"
	"github.com/blackmichael/bluesky-liked-feeds/internal/config"
	"github.com/blackmichael/bluesky-liked-feeds/internal/domain"
	"github.com/blackmichael/bluesky-liked-feeds/internal/firehose"
	"github.com/blackmichael/bluesky-liked-feeds/internal/graphcache"
	"github.com/blackmichael/bluesky-liked-feeds/internal/httpserver"
	"github.com/blackmichael/bluesky-liked-feeds/internal/sqlstore"
)

const (
	cleanupInterval = time.Minute
	maxStoredLikes  = 5_000_000
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Set up repository (implements both LikeRepository and CursorRepository)
	dialect, err := sqlstore.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	repo, err := sqlstore.NewRepository(ctx, dialect, cfg.DatabaseURL, logger,
		sqlstore.WithRetention(cfg.LikeRetention),
	)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("connected to database", "driver", dialect)

	graphCache, closeCache, err := newGraphCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCache(); err != nil {
			logger.Error("error closing graph cache", "error", err)
		}
	}()

	client := bluesky.NewClient(bluesky.Config{
		PDS:               cfg.PDS,
		AppView:           cfg.AppViewURL,
		RequestsPerSecond: 10,
	}, logger)
	if cfg.Handle != "" {
		if err := client.Login(ctx, cfg.Handle, cfg.AppPassword); err != nil {
			return fmt.Errorf("login to bluesky: %w", err)
		}
		logger.Info("logged in to bluesky", "did", client.DID())
	}

	graph := domain.NewSocialGraph(client, graphCache, domain.GraphCacheTTL, logger)
	feedService, err := domain.NewFeedService(cfg.PublisherDID, domain.DefaultStrategies(), repo, repo, graph, logger)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	opts := auth.Options{SkipSignature: cfg.SkipSignatureCheck, Leeway: 30 * time.Second}
	if !cfg.SkipSignatureCheck {
		opts.Keys = auth.NewDIDResolver(cfg.PLCDirectoryURL, logger)
	}
	verifier, err := auth.NewVerifier(opts, logger)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}

	// Start the firehose subscriber in the background. Running out of
	// reconnect attempts is fatal for the whole process.
	subscriber := firehose.NewSubscriber(firehose.Config{
		URL:               cfg.FirehoseURL,
		WantedCollections: cfg.WantedCollections,
		LivenessInterval:  cfg.LivenessInterval,
	}, feedService, logger)
	ingestErr := make(chan error, 1)
	go func() {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			ingestErr <- err
		}
	}()

	// Start background like cleanup
	go feedService.StartCleanupJob(ctx, cleanupInterval, cfg.LikeRetention, maxStoredLikes)

	// Start the HTTP server
	server := httpserver.NewServer(cfg, feedService, verifier, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname, "feeds", feedService.FeedURIs())

	runErr := awaitStop(ctx, logger, ingestErr, serverErr)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return runErr
}

// awaitStop blocks until a signal arrives or a background component fails,
// returning the failure.
func awaitStop(ctx context.Context, logger *slog.Logger, ingestErr, serverErr <-chan error) error {
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		return nil
	case err := <-ingestErr:
		logger.Error("firehose subscriber failed, shutting down", "error", err)
		return fmt.Errorf("firehose: %w", err)
	case err := <-serverErr:
		logger.Error("http server exited with error, shutting down", "error", err)
		return fmt.Errorf("http server: %w", err)
	}
}

// newGraphCache returns the configured cache and a func that releases it.
func newGraphCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.GraphCache, func() error, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory graph cache")
		return graphcache.NewMemory(10 * time.Minute), func() error { return nil }, nil
	}

	cache := graphcache.NewRedis(graphcache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err := cache.Ping(ctx); err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("connect graph cache: %w", err)
	}
	logger.Info("using redis graph cache", "addr", cfg.RedisAddr)
	return cache, cache.Close, nil
}
