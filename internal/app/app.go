package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	healthcheck "github.com/vladislavdragonenkov/shop/internal/health"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
	idemsvc "github.com/vladislavdragonenkov/shop/internal/service/idempotency"
	"github.com/vladislavdragonenkov/shop/internal/service/order"
	outboxsvc "github.com/vladislavdragonenkov/shop/internal/service/outbox"
	"github.com/vladislavdragonenkov/shop/internal/service/rest"
	"github.com/vladislavdragonenkov/shop/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run собирает зависимости и запускает приложение: REST API, служебный сервер,
// outbox воркер и очистку ключей идемпотентности. Блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := deps.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to close storage")
		}
	}()

	producer := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)

	orderService := order.NewService(
		deps.Customers,
		deps.Products,
		deps.Orders,
		deps.Checkout,
		metrics.NewOrderMetrics(),
		logger.WithField("layer", "service"),
	)

	server := rest.NewServer(
		deps.Customers,
		deps.Products,
		orderService,
		rest.WithIdempotencyRepository(deps.Idempotency),
		rest.WithIdempotencyTTL(cfg.IdempotencyTTL),
		rest.WithLogger(logger.WithField("layer", "http")),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.Store != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", 2*time.Second, deps.Store.Ping))
	}
	opsSrv := newOpsServer(cfg.OpsAddr, healthHandler)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.Start(cfg.HTTPAddr)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http server shutdown with error")
		}
		return nil
	})

	group.Go(func() error {
		logger.WithField("addr", cfg.OpsAddr).Info("ops server starting, metrics at /metrics")
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownHTTP(opsSrv, logger)
		return nil
	})

	if producer != nil {
		publisher := kafka.NewOutboxPublisher(producer, cfg.OrderEventsTopic)
		worker := outboxsvc.NewWorker(
			deps.Outbox,
			publisher,
			outboxsvc.WithLogger(logger.WithField("layer", "outbox")),
			outboxsvc.WithPollInterval(cfg.OutboxPollInterval),
		)
		group.Go(func() error {
			worker.Run(groupCtx)
			return nil
		})
	} else {
		logger.Warn("kafka is not configured, outbox events will stay pending")
	}

	cleanup := idemsvc.NewCleanupWorker(
		deps.Idempotency,
		idemsvc.WithLogger(logger.WithField("layer", "idempotency")),
	)
	group.Go(func() error {
		cleanup.Run(groupCtx)
		return nil
	})

	logger.WithField("addr", cfg.HTTPAddr).Info("application started")

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// newOpsServer собирает служебный HTTP-сервер: метрики Prometheus и health-чеки.
func newOpsServer(addr string, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	return &http.Server{Addr: addr, Handler: mux}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("ops server shutdown with error")
	}
}
