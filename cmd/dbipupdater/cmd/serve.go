package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/dbip_updater/internal/api"
	"github.com/austindbirch/dbip_updater/internal/auth"
	"github.com/austindbirch/dbip_updater/internal/health"
	"github.com/austindbirch/dbip_updater/internal/metrics"
	"github.com/austindbirch/dbip_updater/internal/schedule"
	"github.com/austindbirch/dbip_updater/internal/tracing"
)

const healthService = "dbipupdater"

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Update monthly and serve the settings API",
	Long: `Run the monthly update schedule and expose /healthz, /metrics, the
settings API and a gRPC health service until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg := loadConfig()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, Version, cfg.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	task, err := a.newTask()
	if err != nil {
		return err
	}
	guard := schedule.NewExclusive(task.Run)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	healthHandler := health.HTTPHandler(a.checks)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	var handler http.Handler
	if cfg.API.JWTPublicKeyPath == "" {
		a.logger.Plain().Warn("JWT_PUBLIC_KEY_PATH not set, settings API disabled")
		mux := http.NewServeMux()
		mux.Handle("/healthz", healthHandler)
		mux.Handle("/metrics", metricsHandler)
		handler = mux
	} else {
		pem, err := os.ReadFile(cfg.API.JWTPublicKeyPath)
		if err != nil {
			return fmt.Errorf("read JWT public key: %w", err)
		}
		validator, err := auth.NewJWTValidator(string(pem), cfg.API.JWTIssuer, cfg.API.JWTAudience)
		if err != nil {
			return err
		}
		srv := api.NewServer(a.settings, a.host, task, guard, a.logger, cfg.API.RunTimeout)
		handler, err = api.NewHandler(srv, api.HandlerOptions{
			Validator: validator,
			Limiter:   rate.NewLimiter(rate.Limit(cfg.API.RateLimit), cfg.API.RateBurst),
			Health:    healthHandler,
			Metrics:   metricsHandler,
		})
		if err != nil {
			return err
		}
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.SyncGRPC(ctx, hs, healthService, a.checks, 15*time.Second)

	lis, err := net.Listen("tcp", cfg.API.GRPCPort)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	errCh := make(chan error, 3)
	go func() {
		a.logger.Plain().WithField("addr", cfg.API.GRPCPort).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC serve: %w", err)
		}
	}()

	httpSrv := &http.Server{Addr: cfg.API.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		a.logger.Plain().WithField("addr", cfg.API.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP serve: %w", err)
		}
	}()

	runner := schedule.NewRunner(schedule.Monthly{
		Day:      cfg.Schedule.Day,
		Hour:     cfg.Schedule.Hour,
		Minute:   cfg.Schedule.Minute,
		Location: time.Local,
	}, guard.Run, a.logger)
	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.logger.Plain().Info("dbipupdater stopped")
	return serveErr
}
