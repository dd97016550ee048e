package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/hospital-queue/internal/announce"
	"qms/hospital-queue/internal/cache"
	"qms/hospital-queue/internal/display"
	"qms/hospital-queue/internal/httpapi"
	"qms/hospital-queue/internal/telemetry"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, display hub and announcement relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "hospital-queue",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	svc, err := a.service()
	if err != nil {
		return err
	}

	views := cache.New(nil, cfg.CacheTTL, logger)
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, serving views uncached", "error", err)
		} else {
			defer client.Close()
			views = cache.New(client, cfg.CacheTTL, logger)
		}
	}

	hub := display.NewHub(logger)
	sinks := []announce.Sink{hub, views}
	if cfg.AMQPURL != "" {
		publisher := announce.NewPublisher(cfg.AMQPURL, cfg.AnnounceExchange, logger)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	relay := announce.NewRelay(a.tickets, announce.RelayOptions{
		Interval:  cfg.RelayInterval,
		BatchSize: cfg.RelayBatchSize,
		Logger:    logger,
	}, sinks...)
	go func() {
		if err := relay.Run(ctx); err != nil {
			logger.Error("relay stopped", "error", err)
		}
	}()

	handler := httpapi.NewHandler(svc, httpapi.Options{
		Pinger:  a.tickets,
		Cache:   views,
		Display: display.Handler("/display", hub),
		Logger:  logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(limiter.Middleware(handler.Routes()), "hospital-queue"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hospital-queue listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("hospital-queue stopped")
	return nil
}
