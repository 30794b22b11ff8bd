package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthcheck "github.com/vladislavdragonenkov/ordersaga/internal/health"
	"github.com/vladislavdragonenkov/ordersaga/internal/metrics"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/inventory"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/orders"
	"github.com/vladislavdragonenkov/ordersaga/internal/service/saga"
	"github.com/vladislavdragonenkov/ordersaga/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/ordersaga/internal/version"
)

const readHeaderTimeout = 5 * time.Second

// Run собирает зависимости, поднимает HTTP API, метрики и gRPC health и ждёт отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	storage, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWith(storage.closeFn, "storage", logger)

	broker, err := initBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeWith(broker.closeFn, "broker", logger)

	lock, err := initLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWith(lock.closeFn, "redis", logger)

	orchestrator := saga.NewOrchestrator(storage.repo, broker.channel,
		saga.WithTimeline(storage.timelineRepo),
		saga.WithLocker(lock.locker),
		saga.WithMetrics(metrics.NewSagaMetrics()),
		saga.WithLogger(logger.WithField("layer", "saga")),
	)

	if broker.inProcess {
		responder := inventory.NewResponder(broker.channel, orchestrator.Destinations(), logger.WithField("component", "inventory-responder"))
		if err := responder.Attach(ctx); err != nil {
			return err
		}
	}
	for _, destination := range orchestrator.Destinations().ReplyDestinations() {
		if err := broker.channel.Subscribe(ctx, destination, orchestrator.HandleMessage); err != nil {
			return err
		}
		logger.WithField("destination", destination).Info("subscribed to reservation replies")
	}

	watcher := saga.NewTimeoutWatcher(storage.repo, orchestrator,
		saga.WithReservationTimeout(cfg.ReservationTimeout),
		saga.WithScanInterval(cfg.TimeoutScanInterval),
		saga.WithScanBatchSize(cfg.TimeoutScanBatch),
		saga.WithWatcherLogger(logger.WithField("component", "saga-timeout-watcher")),
	)
	watcherCtx, stopWatcher := context.WithCancel(ctx)
	var watcherWG sync.WaitGroup
	watcherWG.Add(1)
	go func() {
		defer watcherWG.Done()
		watcher.Run(watcherCtx)
	}()
	defer func() {
		stopWatcher()
		watcherWG.Wait()
	}()

	orderService := orders.NewService(storage.repo, storage.timelineRepo, orchestrator, orchestrator.Locker(), logger.WithField("layer", "orders"))

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", storage.storageChecker))
	if lock.checker != nil {
		healthHandler.RegisterChecker("redis", healthcheck.NewSimpleChecker("redis", lock.checker))
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	grpcServer, healthServer := newGRPCHealthServer(logger)
	lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(orderService, logger.WithField("layer", "http")),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC health слушает %s", cfg.GRPCHealthAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис")
		runErr = ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthHandler.SetDraining(true)
	healthServer.Shutdown()
	shutdownHTTP(httpSrv, logger)
	stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

// newGRPCHealthServer создаёт gRPC-сервер со стандартным health-сервисом и prometheus-интерсепторами.
func newGRPCHealthServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

func stopGRPC(srv *grpc.Server, timeout time.Duration, logger *log.Entry) {
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	stoppedCh := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	healthHandler.Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

func closeWith(closeFn func() error, name string, logger *log.Entry) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		logger.WithError(err).WithField("resource", name).Warn("close failed")
	}
}
