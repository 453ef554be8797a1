package main

import (
	"context"
	"errors"
	"fmt"
	"medtrace/internal/api"
	"medtrace/internal/blob"
	"medtrace/internal/config"
	"medtrace/internal/core"
	"medtrace/internal/external/anchor"
	"medtrace/internal/external/detector"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			return serveRun(cmd.Context(), cfg)
		},
	}
}

func serveRun(ctx context.Context, cfg *config.Config) error {
	if cfg.Identity.SigningKey == "" {
		return errors.New("identity signing key is required (MEDTRACE_IDENTITY_SIGNING_KEY)")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting", zap.String("version", versionString()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenPersistentStore(cfg.StorageOptions(), nil, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	archive, err := blob.Open(ctx, cfg.BlobOptions())
	if err != nil {
		return fmt.Errorf("open image archive: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []core.ServiceOption{
		core.WithLogger(logger.Named("core")),
		core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(reg)),
		core.WithAuditSink(core.NewLogAuditSink(logger.Named("audit"))),
		core.WithImageArchive(archive),
		core.WithBulkWorkers(cfg.Moderation.BulkWorkers),
		core.WithMaxBulkItems(cfg.Moderation.MaxBulkItems),
		core.WithMaxImageBytes(cfg.Intake.MaxImageBytes),
	}
	if cfg.Detector.URL != "" {
		client, err := detector.New(cfg.Detector.URL, detector.WithTimeout(cfg.Detector.Timeout))
		if err != nil {
			return fmt.Errorf("detector client: %w", err)
		}
		opts = append(opts, core.WithDetector(client))
	} else {
		logger.Warn("detector url not set; intake of new images will fail")
	}
	if cfg.Anchor.URL != "" {
		client, err := anchor.New(cfg.Anchor.URL, anchor.WithTimeout(cfg.Anchor.Timeout))
		if err != nil {
			return fmt.Errorf("anchor client: %w", err)
		}
		opts = append(opts, core.WithAnchor(client))
	} else {
		logger.Warn("ledger anchor url not set; intake of new images will fail")
	}
	if cfg.Tracing.Stdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to flush traces", zap.Error(err))
			}
		}()
		opts = append(opts, core.WithTracer(core.NewOTelTracer(tp)))
	}
	svc := core.NewService(store, opts...)

	srv, err := api.New(svc, api.Options{
		Addr:           cfg.Server.Address(),
		MaxUploadBytes: int64(cfg.Intake.MaxImageBytes) + 1<<20,
		Issuer:         api.NewTokenIssuer(cfg.Identity.SigningKey, 0),
		Logger:         logger.Named("http"),
		Registerer:     reg,
		Gatherer:       reg,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}
