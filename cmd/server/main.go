package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koios/artframe/internal/artmode"
	"github.com/koios/artframe/internal/config"
	"github.com/koios/artframe/internal/fetcher"
	"github.com/koios/artframe/internal/handlers"
	"github.com/koios/artframe/internal/poller"
	"github.com/koios/artframe/internal/publisher"
	"github.com/koios/artframe/internal/redis"
	"github.com/koios/artframe/internal/render"
	"github.com/koios/artframe/internal/store"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger; the level is adjusted once configuration is loaded
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("Invalid LOG_LEVEL; using info", zap.String("log_level", cfg.LogLevel))
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	artifact, err := store.NewArtifact(cfg.Storage.ArtPath)
	if err != nil {
		logger.Fatal("Failed to prepare art storage", zap.Error(err))
	}

	var (
		ids    store.IDStore = store.NewFileIDStore(cfg.TV.LastArtFile)
		events poller.EventPublisher
		health handlers.HealthChecker
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		ids = redisClient
		events = redisClient
		health = redisClient
	}

	var uploader poller.Uploader
	if cfg.TV.Enabled() {
		dialer := artmode.NewDialer(cfg.TV, logger)
		uploader = publisher.NewPublisher(cfg.TV, publisher.ArtmodeDialer(dialer), ids, logger)
	} else {
		logger.Info("TV_IP not set; uploads disabled")
	}

	source := fetcher.NewFetcher(cfg.Provider, logger)
	renderer := render.NewChrome(cfg.Render, logger)
	artPoller := poller.NewPoller(cfg, source, renderer, artifact, uploader, events, logger)

	// Create HTTP server for the art endpoint
	mux := http.NewServeMux()
	artHandler := handlers.NewArtHandler(artifact, artPoller, health, cfg.Server.ArtURLPath, logger)
	artHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Bind before starting the poller so a busy port fails fast
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		logger.Fatal("Failed to bind HTTP port", zap.Int("port", cfg.Server.Port), zap.Error(err))
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Start poller
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		if err := artPoller.Run(ctx); err != nil {
			logger.Error("Poller failed", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("art_url_path", cfg.Server.ArtURLPath),
		zap.String("art_path", cfg.Storage.ArtPath),
		zap.Duration("interval", cfg.Interval),
		zap.Bool("tv_enabled", cfg.TV.Enabled()))

	// Wait for interrupt signal or a fatal server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Stop the poller and let any in-flight cycle unwind
	cancel()
	<-pollerDone

	// Give outstanding requests a deadline for completion
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("Server shutdown complete")
}
