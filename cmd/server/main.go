package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/blob"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	"chatrelay/internal/websocket"
)

const relayChannel = "chatrelay:deliveries"

func setupLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Str("service", "chatrelay").Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "chatrelay").Logger()
}

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	cfg := config.Load()
	logger := setupLogger(cfg)
	logger.Info().Msg("starting server")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Str("env", cfg.Env).Msg("refusing to start")
	}

	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to resolve working directory")
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create loadtest directory")
		}
		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info().Str("path", loadTestPath).Msg("using load testing database")
	}

	logger.Info().
		Str("addr", cfg.ServerAddress).
		Str("env", cfg.Env).
		Bool("nats", cfg.NatsURL != "").
		Bool("redis", cfg.RedisURL != "").
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.NewDB(cfg.CleanDatabasePath())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()
	logger.Info().Msg("database connection established")

	var blobs blob.Store
	if cfg.NatsURL != "" {
		js, err := blob.NewJetStreamStore(ctx, cfg.NatsURL, cfg.ImageBucket)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NatsURL).Msg("failed to open image bucket")
		}
		defer js.Close()
		blobs = js
		logger.Info().Str("bucket", cfg.ImageBucket).Msg("image storage on NATS object store")
	} else {
		blobs = blob.NewMemoryStore()
		logger.Warn().Msg("NATS_URL not set; images are kept in memory")
	}

	hubOpts := websocket.DefaultOptions()
	hubOpts.MaxMessageSize = chat.MaxFrameBytes(cfg.MaxImageBytes)
	hub := websocket.NewHub(logger, hubOpts)
	if cfg.RedisURL != "" {
		relay, err := websocket.NewRedisRelay(ctx, cfg.RedisURL, relayChannel, hub, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect delivery relay")
		}
		defer relay.Close()
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("delivery relay stopped")
			}
		}()
		logger.Info().Str("hub", hub.ID()).Msg("cross-instance relay enabled")
	}
	go hub.Run(ctx)

	coord := chat.NewCoordinator(database, hub, blobs, chat.Config{
		UploadTimeout:     cfg.UploadTimeout,
		UploadConcurrency: 2,
		MaxImageBytes:     cfg.MaxImageBytes,
		PublicURL:         cfg.PublicURL,
	}, logger)

	handlers := api.NewHandlers(api.Deps{
		DB:         database,
		Hub:        hub,
		Dispatcher: coord,
		Blobs:      blobs,
		Verifier:   auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL),
		Config:     cfg,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddress).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}
	hub.Shutdown()

	// uploads in flight still need the database and the blob store
	done := make(chan struct{})
	go func() {
		coord.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("background work did not finish before shutdown deadline")
	}
	cancel()

	logger.Info().Msg("server stopped")
}
