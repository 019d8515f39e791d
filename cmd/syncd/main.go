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

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixelka/mailsync/internal/codec"
	"github.com/mixelka/mailsync/internal/config"
	"github.com/mixelka/mailsync/internal/credentials"
	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/email"
	"github.com/mixelka/mailsync/internal/mailsync"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mail synchronization daemon")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	blobs, err := storage.New(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	cipher, err := credentials.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to create cipher", "error", err)
		os.Exit(1)
	}
	creds := credentials.NewProvider(cipher, credentials.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
	}, logger)
	if cfg.OAuthTokenURL != "" {
		logger.Info("oauth2 token refresh enabled", "token_url", cfg.OAuthTokenURL)
	}

	// Metrics server (optional)
	m := metrics.New(prometheus.DefaultRegisterer)
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	service := mailsync.NewService(mailsync.Deps{
		DB:          db,
		Blobs:       blobs,
		Codec:       codec.New(),
		Credentials: creds,
		Dialer:      email.NewDialer(logger),
		Transports:  email.NewSMTPDialer(logger),
		Metrics:     m,
		Logger:      logger,
	}, mailsync.Options{
		DialTimeout:        cfg.IMAPDialTimeout,
		CommandTimeout:     cfg.IMAPCommandTimeout,
		IdleTimeout:        cfg.IMAPIdleTimeout,
		SMTPTimeout:        cfg.SMTPTimeout,
		BackoffStart:       cfg.BackoffStart,
		BackoffMax:         cfg.BackoffMax,
		StoreCheckInterval: cfg.StoreCheckInterval,
		RetentionDays:      cfg.DefaultRetentionDays,
		ChunkSize:          cfg.AttachmentChunkSize,
	})

	// The daemon has no connectivity monitor; assume the network is up
	if err := service.OnNetworkAvailable(ctx); err != nil {
		logger.Error("failed to start synchronization", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("synchronizing, press Ctrl+C to stop")
	sig := <-sigCh

	logger.Info("received shutdown signal", "signal", sig)
	logger.Info("shutting down...")

	service.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop metrics server", "error", err)
		}
	}

	logger.Info("daemon stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
