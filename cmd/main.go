package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"conversion-pipeline/internal/api"
	"conversion-pipeline/internal/capi"
	"conversion-pipeline/internal/config"
	"conversion-pipeline/internal/fingerprint"
	"conversion-pipeline/internal/ingest"
	"conversion-pipeline/internal/pipeline"
	"conversion-pipeline/internal/storage"
	"conversion-pipeline/pkg/logger"
	"conversion-pipeline/pkg/validator"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get().Fatalw("invalid configuration", "error", err)
	}

	logger.Init(cfg.LogMode == "prod", cfg.LogLevel)
	log := logger.Get()
	defer logger.Sync()

	log.Infow("loaded configuration",
		"http_addr", cfg.HTTPAddr,
		"store_driver", cfg.StoreDriver,
		"worker_count", cfg.WorkerCount,
		"queue_size", cfg.QueueSize,
		"max_attempts", cfg.MaxAttempts,
		"retry_backoff_ms", cfg.RetryBaseBackoff.Milliseconds(),
		"fingerprint_bucket", cfg.FingerprintBucket.String(),
		"forwarding_enabled", cfg.ForwardingEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to open store", "driver", cfg.StoreDriver, "error", err)
	}
	defer func() {
		_ = store.Close()
		log.Infow("closed store", "driver", cfg.StoreDriver)
	}()

	metrics := pipeline.NewMetrics()
	schema, err := validator.NewPaymentWebhook()
	if err != nil {
		log.Fatalw("failed to compile webhook schema", "error", err)
	}
	opts := []ingest.Option{
		ingest.WithMetrics(metrics),
		ingest.WithMaxAttempts(cfg.MaxAttempts),
	}

	var fwd *pipeline.Forwarder
	if cfg.ForwardingEnabled() {
		clientOpts := []capi.Option{capi.WithTimeout(cfg.CAPITimeout)}
		if cfg.CAPITestEventCode != "" {
			clientOpts = append(clientOpts, capi.WithTestEventCode(cfg.CAPITestEventCode))
		}
		gw := capi.New(cfg.CAPIBaseURL, cfg.CAPIPixelID, cfg.CAPIAccessToken, clientOpts...)
		fwd = pipeline.NewForwarder(store, gw, metrics, cfg)
		opts = append(opts, ingest.WithForwarder(fwd))
	} else {
		log.Warn("CAPI_PIXEL_ID/CAPI_ACCESS_TOKEN not set, deliveries stay pending until forwarding is configured")
	}

	svc := ingest.New(schema, fingerprint.New(cfg.FingerprintBucket), store, opts...)

	mux := http.NewServeMux()
	api.NewServer(svc, store, fwd, metrics).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("server shutdown error", "error", err)
		}
		if fwd != nil {
			fwd.Shutdown()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("server error", "error", err)
	}
	log.Info("service stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Get().Warn("using in-memory store, nothing survives a restart")
		return storage.NewMemory(), nil
	case config.DriverPostgres:
		s, err := storage.NewPostgresStorage(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		s, err := storage.NewMySQLStorage(cfg.DSN())
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
}
