package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
)

// Имена операций для метрик и логов.
const (
	opCreate   = "create"
	opStatus   = "update_status"
	opFulfill  = "fulfill"
	opRefund   = "refund"
	opCapture  = "capture_payment"
	opGet      = "get"
	opTimeline = "timeline"
)

// CreateOrderInput — данные нового заказа. Пустой ID означает, что его выдаст хранилище.
type CreateOrderInput struct {
	ID              string
	Customer        domain.Customer
	Items           []domain.OrderItem
	ShippingAddress *domain.Address
}

// RefundInput — параметры возврата.
type RefundInput struct {
	Amount decimal.Decimal
	Reason string
}

// Option настраивает Service.
type Option func(*Service)

// WithTimeline подключает историю мутаций.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(s *Service) { s.timeline = timeline }
}

// WithOutbox включает постановку событий заказа в outbox.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(s *Service) { s.outbox = outbox }
}

// WithPaymentGateway подключает платёжного провайдера для списаний и возвратов.
func WithPaymentGateway(gateway domain.PaymentGateway) Option {
	return func(s *Service) { s.payments = gateway }
}

// WithMetrics подключает метрики команд.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service выполняет команды над заказами: хранилище, переходы состояний и побочные эффекты.
type Service struct {
	repo     domain.OrderRepository
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	payments domain.PaymentGateway
	metrics  *metrics.OrderMetrics
	logger   *log.Entry
	now      func() time.Time
}

// NewService собирает сервис заказов.
func NewService(repo domain.OrderRepository, options ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: log.WithField("component", "order-service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// CreateOrder валидирует и сохраняет новый заказ в статусе pending.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (order domain.Order, err error) {
	defer s.observe(opCreate, s.now(), &err)

	id := in.ID
	if id == "" {
		if id, err = s.repo.NextID(ctx); err != nil {
			return domain.Order{}, fmt.Errorf("allocate order id: %w", err)
		}
	}

	order, err = domain.NewOrder(id, in.Customer, in.Items, in.ShippingAddress, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	if err = s.repo.Create(ctx, order); err != nil {
		return domain.Order{}, err
	}

	s.record(ctx, order, domain.TimelineOrderCreated, order.Customer.Email,
		kafka.EventTypeOrderCreated, nil)
	return order, nil
}

// GetOrder возвращает снапшот заказа.
func (s *Service) GetOrder(ctx context.Context, id string) (order domain.Order, err error) {
	defer s.observe(opGet, s.now(), &err)
	return s.repo.Get(ctx, id)
}

// ListOrders возвращает ленивую выборку заказов по фильтру.
func (s *Service) ListOrders(ctx context.Context, filter domain.ListFilter) iter.Seq2[domain.Order, error] {
	return s.repo.List(ctx, filter)
}

// UpdateStatus переводит заказ в новый статус по машине состояний.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (order domain.Order, err error) {
	defer s.observe(opStatus, s.now(), &err)

	var from domain.OrderStatus
	order, err = s.repo.ApplyMutation(ctx, id, func(current domain.Order) (domain.Order, error) {
		from = current.Status
		return domain.SetStatus(current, status, s.now())
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.record(ctx, order, domain.TimelineStatusChanged, fmt.Sprintf("%s -> %s", from, order.Status),
		kafka.EventTypeOrderStatusChanged, map[string]string{"from": string(from)})
	return order, nil
}

// Fulfill отмечает заказ отгруженным с трек-номером.
func (s *Service) Fulfill(ctx context.Context, id, trackingNumber string) (order domain.Order, err error) {
	defer s.observe(opFulfill, s.now(), &err)

	order, err = s.repo.ApplyMutation(ctx, id, func(current domain.Order) (domain.Order, error) {
		return domain.SetFulfillment(current, trackingNumber, s.now())
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.record(ctx, order, domain.TimelineOrderFulfilled, order.TrackingNumber,
		kafka.EventTypeOrderFulfilled, map[string]string{"tracking_number": order.TrackingNumber})
	return order, nil
}

// Refund проводит возврат. Провайдер вызывается внутри мутации: его отказ отменяет запись возврата.
func (s *Service) Refund(ctx context.Context, id string, in RefundInput) (order domain.Order, err error) {
	defer s.observe(opRefund, s.now(), &err)

	refund := domain.Refund{
		ID:     uuid.NewString(),
		Amount: in.Amount,
		Reason: in.Reason,
	}
	charged := false
	order, err = s.repo.ApplyMutation(ctx, id, func(current domain.Order) (domain.Order, error) {
		refund.ProcessedAt = s.now()
		next, err := domain.ProcessRefund(current, refund)
		if err != nil {
			return domain.Order{}, err
		}
		if s.payments != nil {
			if err := s.payments.Refund(ctx, current.ID, refund.ID, refund.Amount); err != nil {
				return domain.Order{}, fmt.Errorf("payment refund: %w", err)
			}
			charged = true
		}
		return next, nil
	})
	if err != nil {
		if charged {
			// Провайдер уже вернул деньги, а запись не сохранилась: нужна ручная сверка по refund_id.
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id":  id,
				"refund_id": refund.ID,
				"amount":    refund.Amount.StringFixed(2),
			}).Error("refund accepted by payment provider but not recorded")
		}
		return domain.Order{}, err
	}

	s.metrics.RecordRefund(refund.Amount.InexactFloat64())
	s.record(ctx, order, domain.TimelineRefundProcessed, refundReason(refund),
		kafka.EventTypeOrderRefunded, map[string]string{
			"refund_id": refund.ID,
			"amount":    refund.Amount.StringFixed(2),
		})
	return order, nil
}

// CapturePayment списывает сумму заказа и переводит оплату в paid.
func (s *Service) CapturePayment(ctx context.Context, id string) (order domain.Order, err error) {
	defer s.observe(opCapture, s.now(), &err)

	order, err = s.repo.ApplyMutation(ctx, id, func(current domain.Order) (domain.Order, error) {
		next, err := domain.CapturePayment(current, s.now())
		if err != nil {
			return domain.Order{}, err
		}
		if s.payments != nil {
			if err := s.payments.Capture(ctx, current.ID, current.Total()); err != nil {
				return domain.Order{}, fmt.Errorf("payment capture: %w", err)
			}
		}
		return next, nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.record(ctx, order, domain.TimelinePaymentCaptured, order.Total().StringFixed(2),
		kafka.EventTypeOrderPaid, nil)
	return order, nil
}

// Timeline возвращает историю мутаций заказа.
func (s *Service) Timeline(ctx context.Context, id string) (events []domain.TimelineEvent, err error) {
	defer s.observe(opTimeline, s.now(), &err)

	if _, err = s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(ctx, id)
}

// record фиксирует побочные эффекты принятой команды. Их ошибки не отменяют команду.
func (s *Service) record(ctx context.Context, order domain.Order, timelineType, reason string, eventType kafka.EventType, details map[string]string) {
	entry := s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"event":    timelineType,
		"version":  order.Version,
	})

	if s.timeline != nil {
		event := domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     timelineType,
			Reason:   reason,
			Occurred: order.UpdatedAt,
		}
		if err := s.timeline.Append(ctx, event); err != nil {
			entry.WithError(err).Warn("append timeline event")
		} else {
			s.metrics.RecordTimelineEvent()
		}
	}

	if s.outbox != nil {
		payload, err := json.Marshal(kafka.NewOrderEvent(eventType, order, details))
		if err != nil {
			entry.WithError(err).Error("encode order event")
			return
		}
		_, err = s.outbox.Enqueue(ctx, domain.OutboxMessage{
			ID:            uuid.NewString(),
			AggregateType: kafka.AggregateOrder,
			AggregateID:   order.ID,
			EventType:     string(eventType),
			Payload:       payload,
		})
		if err != nil {
			entry.WithError(err).Error("enqueue order event")
		} else {
			s.metrics.RecordOutboxEvent(string(eventType))
		}
	}

	entry.Info("order command applied")
}

func (s *Service) observe(operation string, started time.Time, errp *error) {
	err := *errp
	result := CommandResult(err)
	s.metrics.RecordCommand(operation, result, s.now().Sub(started))

	if err != nil && result == metrics.ResultError {
		s.logger.WithError(err).WithField("operation", operation).Error("order command failed")
	}
}

// CommandResult классифицирует ошибку команды для метрик.
func CommandResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case domain.IsValidation(err):
		return metrics.ResultValidation
	case domain.IsNotFound(err):
		return metrics.ResultNotFound
	case domain.IsInvalidTransition(err):
		return metrics.ResultInvalidTransition
	case errors.Is(err, domain.ErrOrderAlreadyExists):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}

func refundReason(refund domain.Refund) string {
	if refund.Reason == "" {
		return refund.Amount.StringFixed(2)
	}
	return refund.Amount.StringFixed(2) + ": " + refund.Reason
}
