package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/image-keyring/internal/api"
	"github.com/kenneth/image-keyring/internal/audit"
	"github.com/kenneth/image-keyring/internal/cache"
	"github.com/kenneth/image-keyring/internal/config"
	"github.com/kenneth/image-keyring/internal/imagecrypt"
	"github.com/kenneth/image-keyring/internal/keyring"
	"github.com/kenneth/image-keyring/internal/metrics"
	"github.com/kenneth/image-keyring/internal/middleware"
	"github.com/kenneth/image-keyring/internal/objectstore"
	"github.com/kenneth/image-keyring/internal/rotation"
	"github.com/kenneth/image-keyring/internal/store"
	"github.com/kenneth/image-keyring/internal/store/badgerstore"
	"github.com/kenneth/image-keyring/internal/store/memory"
	"github.com/kenneth/image-keyring/internal/store/postgres"
	"github.com/kenneth/image-keyring/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting image keyring")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, os.Stdout)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	if cfg.Tracing.Enabled {
		logger.WithFields(logrus.Fields{
			"exporter":       cfg.Tracing.Exporter,
			"sampling_ratio": cfg.Tracing.SamplingRatio,
		}).Info("Tracing enabled")
	}

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx)

	meta, err := openMetadataStore(ctx, &cfg.Metadata, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open metadata store")
	}
	defer meta.Close()

	objects, err := openObjectStore(ctx, &cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open object store")
	}

	var keyCache cache.KeyCache
	if cfg.Cache.Enabled {
		keyCache = cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		logger.WithFields(logrus.Fields{
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Key cache enabled")
	}

	auditLogger := audit.Nop()
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	keys, err := keyring.NewManager(meta, keyring.Options{
		Algorithm: cfg.Encryption.Algorithm,
		Cache:     keyCache,
		CacheTTL:  cfg.Cache.DefaultTTL,
		Audit:     auditLogger,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create keyring")
	}
	if err := keys.RefreshActiveVersion(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to read active key")
	}
	if keys.ActiveVersion() == 0 {
		logger.Warn("No active encryption key; uploads fail until a key is activated")
	} else {
		logger.WithField("active_key_version", keys.ActiveVersion()).Info("Keyring loaded")
	}

	images := imagecrypt.NewService(keys, meta, objects, imagecrypt.Options{
		MaxImageBytes: cfg.Server.MaxImageBytes,
		KeyPrefix:     "images/",
		Audit:         auditLogger,
		Metrics:       m,
		Logger:        logger,
	})

	engine := rotation.NewEngine(meta, keys, images, cfg.Rotation, rotation.Options{
		Audit:   auditLogger,
		Metrics: m,
		Logger:  logger,
	})
	if cfg.Rotation.ResumeOnStart {
		n, err := engine.Resume(ctx)
		if err != nil {
			logger.WithError(err).Error("Failed to resume rotations")
		} else if n > 0 {
			logger.WithField("count", n).Info("Resumed unfinished rotations")
		}
	}

	handler := api.NewHandler(api.Options{
		Keys:      keys,
		Rotations: engine,
		Images:    images,
		Ready: map[string]api.Pinger{
			"metadata": meta,
			"storage":  objectstore.Probe{Store: objects},
		},
		Audit:         auditLogger,
		Metrics:       m,
		Logger:        logger,
		MaxImageBytes: cfg.Server.MaxImageBytes,
	})

	router := mux.NewRouter()
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	handler.RegisterRoutes(router)

	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter, "/health", "/ready", "/metrics")(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(old, updated *config.Config) error {
			if old.LogLevel != updated.LogLevel {
				applyLogLevel(logger, updated.LogLevel)
				logger.WithField("log_level", updated.LogLevel).Info("Log level changed")
			}
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	// Workers stop at the next batch boundary; their rotations resume on restart.
	if err := engine.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Rotation workers did not stop in time")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
	stop()
	logger.Info("Server stopped gracefully")
}

func applyLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func openMetadataStore(ctx context.Context, cfg *config.MetadataConfig, logger *logrus.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory metadata store; keys are lost on restart")
		return memory.New(), nil
	case "badger", "":
		logger.WithField("dir", cfg.BadgerDir).Info("Using badger metadata store")
		return badgerstore.Open(cfg.BadgerDir, logger)
	case "postgres":
		logger.Info("Using postgres metadata store")
		return postgres.Open(ctx, cfg.PostgresURL, logger)
	default:
		return nil, fmt.Errorf("unknown metadata driver %q", cfg.Driver)
	}
}

func openObjectStore(ctx context.Context, cfg *config.StorageConfig) (objectstore.Store, error) {
	switch cfg.Driver {
	case "filesystem", "":
		return objectstore.NewFSStore(cfg.RootDir)
	case "s3":
		return objectstore.NewS3Store(ctx, &cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
