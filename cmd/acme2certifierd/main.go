package main

import (
	"context"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vbrinnel/acme2certifier/internal/ca"
	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/server"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("acme2certifier starting...", zap.String("external_url", cfg.ExternalURL))

	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
		os.Exit(1)
	}
	logger.Info("storage initialized")

	// Make sure the data directory exists
	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			logger.Fatal("failed to create data directory", zap.Error(err), zap.String("data_dir", cfg.DataDir))
			os.Exit(1)
		}
	}

	backend, err := ca.NewBackend(cfg, store)
	if err != nil {
		logger.Fatal("failed to initialize CA backend", zap.Error(err), zap.String("ca_backend", cfg.CABackend))
		os.Exit(1)
	}
	logger.Info("CA backend initialized", zap.String("ca_backend", cfg.CABackend))

	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg)
	if err != nil {
		logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
		os.Exit(1)
	}

	go sweepExpiredNonces(store)

	engine := server.NewEngine(store, backend, cfg)

	e := echo.New()
	server.ApplyCommonMiddleware(e, logger)
	server.SetupRouter(e, engine)

	address := cfg.HTTPSAddress
	logger.Info("listening on address", zap.String("address", address))
	if err := e.StartTLS(address, certFile, keyFile); err != nil {
		logger.Fatal("error starting HTTPS server", zap.Error(err), zap.String("address", address))
		os.Exit(1)
	}
}

// sweepExpiredNonces periodically removes nonces past their validity
// window so replayed values stay rejectable without unbounded growth.
func sweepExpiredNonces(store storage.Storage) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		deleted, err := store.DeleteExpiredNonces(ctx)
		cancel()
		if err != nil {
			logger.Error("nonce sweep failed", zap.Error(err))
			continue
		}
		if deleted > 0 {
			logger.Info("expired nonces removed", zap.Int64("count", deleted))
		}
	}
}
