package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtreilly/ratelimitproxy/internal/admission"
	"github.com/mtreilly/ratelimitproxy/internal/config"
	"github.com/mtreilly/ratelimitproxy/internal/discovery"
	"github.com/mtreilly/ratelimitproxy/internal/headeringest"
	"github.com/mtreilly/ratelimitproxy/internal/logger"
	"github.com/mtreilly/ratelimitproxy/internal/metrics"
	"github.com/mtreilly/ratelimitproxy/internal/overload"
	"github.com/mtreilly/ratelimitproxy/internal/proxyhandler"
	"github.com/mtreilly/ratelimitproxy/internal/ratelimitstore"
	"github.com/mtreilly/ratelimitproxy/internal/route"
	"github.com/mtreilly/ratelimitproxy/internal/upstream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ratelimit-enforcing reverse proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, getConfig(cmd))
		},
	}
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	log := logger.New(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, nil)

	met := metrics.New()

	storeCfg := ratelimitstore.Config{
		Addr:            cfg.Redis.RedisAddr(),
		Username:        cfg.Redis.User,
		Password:        cfg.Redis.Pass,
		PoolSize:        cfg.Redis.PoolSize,
		SentinelEnabled: cfg.Redis.SentinelEnabled,
		SentinelMaster:  cfg.Redis.SentinelMaster,
	}
	if cfg.Redis.SentinelEnabled {
		storeCfg.SentinelAddrs = []string{cfg.Redis.RedisAddr()}
	}
	store, err := ratelimitstore.New(storeCfg)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer store.Close()

	guard := overload.New(overload.Config{
		OverloadThreshold:    cfg.Upstream.OverloadThreshold,
		WindowSize:           cfg.Upstream.WatchdogWindowSize,
		WatchdogResetTimeout: cfg.Upstream.WatchdogResetTimeout,
		AbortPeriod:          cfg.Limits.RatelimitAbortPeriod,
		Metrics:              met,
	})

	coordinator := discovery.New(store, cfg.Limits.LockWaitTimeout)

	engine := admission.New(store, coordinator, guard, admission.Config{
		DisableGlobalRateLimit: cfg.Limits.DisableGlobalRateLimit,
		GlobalTimeSliceOffset:  cfg.Limits.GlobalTimeSliceOffset,
		MaxDiscoveryRetries:    cfg.Upstream.MaxDiscoveryRetries,
		Metrics:                met,
	}, nil)

	ingestor := headeringest.New(store, guard, headeringest.Config{
		RouteLimitTTLMs:       cfg.Limits.BucketTTL.Milliseconds(),
		GlobalTimeSliceOffset: cfg.Limits.GlobalTimeSliceOffset,
	})

	upstreamOpts := []upstream.Option{
		upstream.WithLogger(log),
		upstream.WithTimeout(cfg.Upstream.Timeout),
	}
	if cfg.Listen.DisableHTTP2 {
		upstreamOpts = append(upstreamOpts, upstream.WithPoolConfig(upstream.PoolConfig{DisableHTTP2: true}))
	}
	client := upstream.New(cfg.Upstream.BaseURL, upstreamOpts...)
	client.Use(upstream.LoggingMiddleware(log))

	handler := proxyhandler.New(proxyhandler.Config{
		Classifier:     route.New(4096),
		Admitter:       engine,
		Forwarder:      client,
		Ingestor:       ingestor,
		Metrics:        met,
		MetricsHandler: met.Handler(),
		EnableMetrics:  cfg.Listen.EnableMetrics,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler,
	}
	if cfg.Listen.DisableHTTP2 {
		srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info("serve.shutdown_signal_received")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("serve.listening", "addr", cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}

	log.Info("serve.stopped")
	return nil
}
