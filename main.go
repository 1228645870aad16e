package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"

	"rallylink/coordinator/internal/config"
	"rallylink/coordinator/internal/httpapi"
	"rallylink/coordinator/internal/logging"
	"rallylink/coordinator/internal/reaper"
	"rallylink/coordinator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	backend, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("open persistence backend", logging.Error(err))
	}
	writer := store.NewAsyncWriter(backend, store.WithWriterLogger(logger))

	coordinator, err := NewCoordinator(cfg, logger, writer)
	if err != nil {
		logger.Fatal("coordinator wiring", logging.Error(err))
	}

	sweeper := reaper.New(reaper.Config{
		ServerSweepInterval: cfg.ServerSweepInterval,
		LobbySweepInterval:  cfg.LobbySweepInterval,
		ServerMaxAge:        cfg.ServerMaxAge,
		SessionEmptyAge:     cfg.SessionEmptyAge,
		RateBucketIdleAge:   cfg.RateBucketIdleAge,
	}, coordinator.Registry(), coordinator.Sessions(), coordinator.RateLimiter(), logger)
	sweeper.Start()

	handlerOpts := httpapi.Options{
		Logger:      logger,
		Readiness:   coordinator,
		Stats:       coordinator.Stats,
		Security:    coordinator.SecurityReport,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.RateLimitWindow, cfg.RateLimitMax, nil),
	}
	if authority := coordinator.TokenAuthority(); authority != nil {
		handlerOpts.Tokens = authority
	}
	mux := http.NewServeMux()
	httpapi.NewHandlerSet(handlerOpts).Register(mux)
	mux.HandleFunc("/ws", coordinator.ServeWS)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
		logger.Info("coordinator listening", logging.String("url", listenerURL(cfg.Address, tlsEnabled)))
		if tlsEnabled {
			errCh <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
	sweeper.Stop()
	coordinator.Close()
	if err := writer.Close(); err != nil {
		logger.Warn("persistence drain", logging.Error(err))
	}
	if closeBackend != nil {
		if err := closeBackend(); err != nil {
			logger.Warn("persistence close", logging.Error(err))
		}
	}
	logger.Info("coordinator stopped")
}

// openBackend selects the persistence collaborator from configuration.
func openBackend(cfg *config.Config, logger *logging.Logger) (store.Store, func() error, error) {
	switch cfg.Persistence.Backend {
	case "memory":
		return store.NewMemoryStore(), nil, nil
	case "file":
		fileStore, err := store.NewFileStore(cfg.Persistence.Path, store.WithFileStoreLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return fileStore, fileStore.Close, nil
	case "dynamo":
		awsSession, err := awssession.NewSession(&aws.Config{
			Region: aws.String(cfg.Persistence.Region),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("aws session: %w", err)
		}
		return store.NewDynamoStore(awsSession, cfg.Persistence.TablePrefix, cfg.Persistence.Region), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}
