// Package app собирает и запускает сервис биллинга.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/billing/internal/api"
	"github.com/vladislavdragonenkov/billing/internal/health"
	"github.com/vladislavdragonenkov/billing/internal/scheduler"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает сервис и блокируется до отмены ctx или падения компонента.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("close dependencies")
		}
	}()

	if cfg.Seed {
		n, err := Seed(ctx, deps.Storage, rand.New(rand.NewSource(cfg.Provider.RandomSeed)))
		if err != nil {
			return fmt.Errorf("seed storage: %w", err)
		}
		if n > 0 {
			logger.WithField("invoices", n).Info("storage seeded")
		}
	}

	sched, err := newScheduler(deps)
	if err != nil {
		return err
	}

	grpcServer, grpcHealth := newGRPCServer(logger)
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: newOpsMux(deps.Health), ReadHeaderTimeout: 5 * time.Second}
	apiSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.NewHandler(api.Deps{
			Invoices:  deps.Storage,
			Customers: deps.Storage,
			DLQ:       deps.Storage,
			Settler:   deps.Billing,
			Drainer:   deps.Dispatcher,
			Logger:    logger.WithField("component", "rest-api"),
		})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, metricsSrv, logger.WithField("server", "ops")) })
	g.Go(func() error { return serveHTTP(gctx, apiSrv, logger.WithField("server", "rest")) })
	g.Go(func() error { return serveGRPC(gctx, cfg.GRPCAddr, grpcServer, grpcHealth, logger) })
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Reclaim.Enabled {
		g.Go(func() error {
			deps.Reclaimer.Run(gctx)
			return nil
		})
	}

	logger.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"metrics_addr": cfg.MetricsAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"storage":      cfg.Storage.Driver,
		"lock":         cfg.Lock.Driver,
	}).Info("billing service started")

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func newScheduler(deps *Dependencies) (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.WithLogger(deps.Logger.WithField("component", "scheduler")))

	if err := sched.Register(scheduler.Job{
		Name: "settle-invoices",
		Spec: deps.Config.Billing.Schedule,
		Run: func(ctx context.Context) error {
			report, err := deps.Billing.SettleInvoices(ctx)
			deps.Logger.WithFields(log.Fields{
				"claimed":        report.Claimed,
				"paid":           report.Paid,
				"failed":         report.FailedTotal(),
				"reverted":       report.Reverted,
				"lost":           report.Lost,
				"persist_errors": report.PersistErrors,
			}).Info("scheduled settlement finished")
			return err
		},
	}); err != nil {
		return nil, err
	}

	if err := sched.Register(scheduler.Job{
		Name: "drain-failed-payments",
		Spec: deps.Config.DLQ.Schedule,
		Run: func(ctx context.Context) error {
			_, err := deps.Dispatcher.DrainFailedPayments(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	return sched, nil
}

func newGRPCServer(logger *log.Entry) (*grpc.Server, *grpchealth.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	return server, healthServer
}

// newOpsMux отдаёт /metrics и health-эндпоинты.
func newOpsMux(h *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", h)
	mux.HandleFunc("/livez", health.LivenessHandler)
	mux.HandleFunc("/readyz", h.ReadinessHandler)
	return mux
}

func serveHTTP(ctx context.Context, srv *http.Server, logger *log.Entry) error {
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", lis.Addr().String()).Info("http server listening")
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("http shutdown with error")
		}
		return nil
	}
}

func serveGRPC(ctx context.Context, addr string, server *grpc.Server, healthServer *grpchealth.Server, logger *log.Entry) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", lis.Addr().String()).Info("grpc server listening")
		errCh <- server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			logger.Warn("grpc graceful stop timed out, forcing stop")
			server.Stop()
		}
		return nil
	}
}
