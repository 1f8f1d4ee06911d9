package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/taku10101/playwright-secretary/internal/api"
	"github.com/taku10101/playwright-secretary/internal/app"
	"github.com/taku10101/playwright-secretary/internal/config"
	"github.com/taku10101/playwright-secretary/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "secretaryd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{WithBrowser: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()
	if err := a.Pages.Warm(ctx, 1); err != nil {
		logger.Warn("warming browser page failed", zap.Error(err))
	}

	server := api.NewServer(api.Dependencies{
		Library:         a.Library,
		Matcher:         a.Matcher,
		Discoverer:      a.Discoverer,
		Runner:          a.Runner,
		History:         a.History,
		Pages:           a.Pages,
		Idempotency:     a.Idempotency,
		Metrics:         a.Metrics,
		Gatherer:        a.Registry,
		Artifacts:       a.Artifacts.Handler(),
		ArtifactBaseURL: a.Artifacts.BaseURL(),
	}, api.Config{
		APIKey:             cfg.APIKey,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		DiscoverTimeout:    cfg.DefaultTimeout,
	}, logger.Named("api"))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Runner.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("secretaryd listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer := grpc.NewServer()
		healthServer := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		g.Go(func() error {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			return grpcServer.Serve(listener)
		})
		g.Go(func() error {
			<-ctx.Done()
			healthServer.Shutdown()
			shutdownGRPC(grpcServer)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("secretaryd stopped")
	return nil
}

func shutdownGRPC(server *grpc.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		server.Stop()
	}
}
