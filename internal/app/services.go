package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/storefront-oms/internal/health"
	"github.com/vladislavdragonenkov/storefront-oms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/query"
	"github.com/vladislavdragonenkov/storefront-oms/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/storefront-oms/internal/version"
)

// services — собранные компоненты приложения.
type services struct {
	orders  *orders.Service
	queries *query.Facade
	api     *httpapi.Handler
	health  *healthcheck.Handler
	relay   *outbox.Worker
	cleanup *idempotency.CleanupWorker
}

// buildServices связывает репозитории, платёжный шлюз и Kafka в сервисы.
// Без producer outbox не подключается: событиям некуда уходить.
func buildServices(cfg Config, deps *runtimeDependencies, producer *kafka.Producer, m *metrics.OrderMetrics, logger *log.Entry) (*services, error) {
	// NOTE: mock-провайдер; реальный подключается через domain.PaymentGateway.
	gateway := payment.NewResilientGateway(payment.NewMockGateway(),
		payment.DefaultBackoff(),
		payment.NewBreaker(cfg.PaymentBreakerFailures, cfg.PaymentBreakerReset, logger.WithField("layer", "payment")),
		logger.WithField("layer", "payment"),
	)

	options := []orders.Option{
		orders.WithTimeline(deps.timelineRepo),
		orders.WithPaymentGateway(gateway),
		orders.WithMetrics(m),
		orders.WithLogger(logger.WithField("layer", "orders")),
	}

	var relay *outbox.Worker
	if producer != nil {
		options = append(options, orders.WithOutbox(deps.outboxRepo))
		relay = outbox.NewWorker(deps.outboxRepo,
			kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)),
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
	}

	svc := orders.NewService(deps.repo, options...)
	facade, err := query.NewFacade(deps.repo, cfg.StatsCacheSize, m)
	if err != nil {
		return nil, fmt.Errorf("build query facade: %w", err)
	}

	api := httpapi.NewHandler(svc, facade, httpapi.Options{
		Idempotency:    deps.idempotencyRepo,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Metrics:        m,
		Logger:         logger.WithField("layer", "http"),
	})

	health := healthcheck.NewHandler(version.Current().Version)
	health.RegisterChecker("storage", healthcheck.CheckFunc(deps.ping))
	if relay != nil {
		health.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending, cfg.OutboxMaxAge))
	}

	cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	return &services{
		orders:  svc,
		queries: facade,
		api:     api,
		health:  health,
		relay:   relay,
		cleanup: cleanup,
	}, nil
}
