package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	healthcheck "github.com/vladislavdragonenkov/storefront-oms/internal/health"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-oms/internal/version"
)

// Run поднимает API, сервер метрик и фоновые воркеры и блокируется до отмены ctx.
// При штатной остановке возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	producer, err := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
	}
	defer closeKafka(producer, logger)

	if err := prometheus.Register(version.NewCollector(version.Current())); err != nil {
		logger.WithError(err).Debug("build info collector already registered")
	}

	svc, err := buildServices(cfg, deps, producer, metrics.NewOrderMetrics(), logger)
	if err != nil {
		return err
	}

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen api: %w", err)
	}
	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = apiLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}

	apiSrv := &http.Server{Handler: svc.api.Routes(), ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := &http.Server{Handler: newMetricsMux(svc.health), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		return serveHTTP(apiSrv, apiLis)
	})
	g.Go(func() error {
		logger.Infof("метрики доступны по адресу %s/metrics", metricsLis.Addr())
		return serveHTTP(metricsSrv, metricsLis)
	})
	if svc.relay != nil {
		g.Go(func() error {
			svc.relay.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		svc.cleanup.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		shutdownHTTP(apiSrv, cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, cfg.ShutdownTimeout, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// newMetricsMux собирает служебные эндпоинты: метрики и health checks.
func newMetricsMux(health *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	return mux
}

func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
