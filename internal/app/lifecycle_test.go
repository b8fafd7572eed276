package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront-oms/internal/storage/memory"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.OutboxMessage
}

func (p *capturingPublisher) Publish(event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) eventTypes(orderID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var types []string
	for _, event := range p.events {
		if event.AggregateID == orderID {
			types = append(types, event.EventType)
		}
	}
	return types
}

// OrderLifecycleTestSuite прогоняет жизненный цикл заказа через сервис, outbox и платёжный шлюз.
type OrderLifecycleTestSuite struct {
	suite.Suite

	service   *orders.Service
	timeline  domain.TimelineRepository
	gateway   *payment.MockGateway
	relay     *outbox.Worker
	published *capturingPublisher
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "lifecycle-test")

	repo := memory.NewOrderRepository()
	outboxRepo := memory.NewOutboxRepository()
	s.timeline = memory.NewTimelineRepository()
	s.gateway = payment.NewMockGateway()
	s.published = &capturingPublisher{}

	gateway := payment.NewResilientGateway(s.gateway,
		payment.Backoff{Attempts: 2, Base: time.Millisecond, Cap: time.Millisecond, Multiplier: 1},
		payment.NewBreaker(5, time.Minute, logger),
		logger,
	)

	s.service = orders.NewService(repo,
		orders.WithTimeline(s.timeline),
		orders.WithOutbox(outboxRepo),
		orders.WithPaymentGateway(gateway),
		orders.WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
		orders.WithLogger(logger),
	)
	s.relay = outbox.NewWorker(outboxRepo, s.published,
		outbox.WithLogger(logger),
		outbox.WithRetryBaseDelay(0),
	)
}

func (s *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	ctx := context.Background()

	order := s.createOrder(ctx)
	s.Equal(domain.OrderStatusPending, order.Status)
	s.Equal("2049.97", order.Total().StringFixed(2))

	paid, err := s.service.CapturePayment(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusPaid, paid.PaymentStatus)

	_, err = s.service.UpdateStatus(ctx, order.ID, domain.OrderStatusProcessing)
	s.Require().NoError(err)

	fulfilled, err := s.service.Fulfill(ctx, order.ID, "TRACK-1")
	s.Require().NoError(err)
	s.Equal(domain.FulfillmentStatusFulfilled, fulfilled.FulfillmentStatus)

	_, err = s.service.UpdateStatus(ctx, order.ID, domain.OrderStatusShipped)
	s.Require().NoError(err)
	completed, err := s.service.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCompleted, completed.Status)

	_, err = s.service.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled)
	s.ErrorIs(err, domain.ErrInvalidTransition, "completed is terminal")

	s.Equal(6, s.relay.ProcessOnce(ctx))
	s.Equal([]string{
		string(kafka.EventTypeOrderCreated),
		string(kafka.EventTypeOrderPaid),
		string(kafka.EventTypeOrderStatusChanged),
		string(kafka.EventTypeOrderFulfilled),
		string(kafka.EventTypeOrderStatusChanged),
		string(kafka.EventTypeOrderStatusChanged),
	}, s.published.eventTypes(order.ID))

	events, err := s.service.Timeline(ctx, order.ID)
	s.Require().NoError(err)
	s.Len(events, 6)
	s.Equal(domain.TimelineOrderCreated, events[0].Type)
	s.Len(s.gateway.Captures(), 1)
}

func (s *OrderLifecycleTestSuite) TestOrderCancellation() {
	ctx := context.Background()
	order := s.createOrder(ctx)

	cancelled, err := s.service.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, cancelled.Status)

	_, err = s.service.CapturePayment(ctx, order.ID)
	s.ErrorIs(err, domain.ErrInvalidTransition)
	_, err = s.service.Fulfill(ctx, order.ID, "TRACK-2")
	s.ErrorIs(err, domain.ErrInvalidTransition)
	s.Empty(s.gateway.Captures())
}

func (s *OrderLifecycleTestSuite) TestPartialRefund() {
	ctx := context.Background()
	order := s.createOrder(ctx)
	_, err := s.service.CapturePayment(ctx, order.ID)
	s.Require().NoError(err)

	partial, err := s.service.Refund(ctx, order.ID, orders.RefundInput{
		Amount: decimal.RequireFromString("49.97"),
		Reason: "damaged mouse",
	})
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusPartiallyRefunded, partial.PaymentStatus)
	s.Equal("2000.00", partial.RefundableAmount().StringFixed(2))

	_, err = s.service.Refund(ctx, order.ID, orders.RefundInput{Amount: decimal.RequireFromString("2000.01")})
	s.ErrorIs(err, domain.ErrRefundExceedsTotal)

	full, err := s.service.Refund(ctx, order.ID, orders.RefundInput{Amount: decimal.RequireFromString("2000.00")})
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusRefunded, full.PaymentStatus)
	s.Len(s.gateway.Refunds(), 2)

	s.relay.ProcessOnce(ctx)
	refunded := 0
	for _, eventType := range s.published.eventTypes(order.ID) {
		if eventType == string(kafka.EventTypeOrderRefunded) {
			refunded++
		}
	}
	s.Equal(2, refunded)
}

func (s *OrderLifecycleTestSuite) TestPaymentDeclinedLeavesOrderUnpaid() {
	ctx := context.Background()
	order := s.createOrder(ctx)
	s.gateway.CaptureErr = domain.ErrPaymentDeclined

	_, err := s.service.CapturePayment(ctx, order.ID)
	s.ErrorIs(err, domain.ErrPaymentDeclined)

	current, err := s.service.GetOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusUnpaid, current.PaymentStatus)
	s.Equal(order.Version, current.Version)

	s.relay.ProcessOnce(ctx)
	s.Equal([]string{string(kafka.EventTypeOrderCreated)}, s.published.eventTypes(order.ID))
}

func (s *OrderLifecycleTestSuite) TestPaymentTemporaryFailureIsRetried() {
	ctx := context.Background()
	order := s.createOrder(ctx)
	s.gateway.CaptureErr = domain.ErrPaymentTemporary

	_, err := s.service.CapturePayment(ctx, order.ID)
	s.ErrorIs(err, domain.ErrPaymentTemporary)

	s.gateway.CaptureErr = nil
	paid, err := s.service.CapturePayment(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusPaid, paid.PaymentStatus)
}

func (s *OrderLifecycleTestSuite) TestPublishedPayloadDescribesOrder() {
	ctx := context.Background()
	order := s.createOrder(ctx)
	s.Equal(1, s.relay.ProcessOnce(ctx))

	s.published.mu.Lock()
	event := s.published.events[0]
	s.published.mu.Unlock()

	var payload map[string]any
	s.Require().NoError(json.Unmarshal(event.Payload, &payload))
	s.Equal(order.ID, payload["order_id"])
	s.Equal(string(kafka.EventTypeOrderCreated), payload["event_type"])
	s.Equal(kafka.AggregateOrder, event.AggregateType)
}

func (s *OrderLifecycleTestSuite) createOrder(ctx context.Context) domain.Order {
	order, err := s.service.CreateOrder(ctx, orders.CreateOrderInput{
		Customer: domain.Customer{Name: "Jane Doe", Email: "jane@example.com"},
		Items: []domain.OrderItem{
			{Name: "Laptop Pro", Quantity: 1, UnitPrice: decimal.RequireFromString("1999.99")},
			{Name: "Wireless Mouse", Quantity: 2, UnitPrice: decimal.RequireFromString("24.99")},
		},
	})
	s.Require().NoError(err)
	return order
}

func TestOrderLifecycle(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}
