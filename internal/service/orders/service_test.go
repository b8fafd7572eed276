package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront-oms/internal/storage/memory"
)

type fixture struct {
	svc      *Service
	repo     domain.OrderRepository
	timeline domain.TimelineRepository
	outbox   *memory.OutboxRepository
	gateway  *payment.MockGateway
}

// steppingClock возвращает время, сдвигающееся на секунду при каждом вызове.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	f := fixture{
		repo:     memory.NewOrderRepository(),
		timeline: memory.NewTimelineRepository(),
		outbox:   memory.NewOutboxRepository(),
		gateway:  payment.NewMockGateway(),
	}
	f.svc = NewService(f.repo,
		WithTimeline(f.timeline),
		WithOutbox(f.outbox),
		WithPaymentGateway(f.gateway),
		WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
		WithClock(steppingClock()),
	)
	return f
}

func widgetOrder() CreateOrderInput {
	return CreateOrderInput{
		Customer: domain.Customer{Name: "John Smith", Email: "john@example.com"},
		Items: []domain.OrderItem{
			{Name: "Widget", Quantity: 2, UnitPrice: decimal.NewFromInt(50)},
		},
		ShippingAddress: &domain.Address{Line1: "1 Main St", City: "Springfield", Country: "US"},
	}
}

func TestCreateOrder_AssignsSequentialIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	require.Equal(t, "ORD-000001", first.ID)
	require.Equal(t, "ORD-000002", second.ID)
	require.Equal(t, domain.OrderStatusPending, first.Status)
	require.Equal(t, domain.PaymentStatusUnpaid, first.PaymentStatus)
	require.True(t, first.Total().Equal(decimal.NewFromInt(100)))

	pending := f.outbox.AllPending()
	require.Len(t, pending, 2)
	require.Equal(t, string(kafka.EventTypeOrderCreated), pending[0].EventType)
	require.Equal(t, "ORD-000001", pending[0].AggregateID)

	var event kafka.OrderEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	require.Equal(t, "100.00", event.Total)
}

func TestCreateOrder_CallerID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := widgetOrder()
	in.ID = "#ORD-001"
	order, err := f.svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	require.Equal(t, "#ORD-001", order.ID)

	_, err = f.svc.CreateOrder(ctx, in)
	require.ErrorIs(t, err, domain.ErrOrderAlreadyExists)
	require.Equal(t, metrics.ResultConflict, CommandResult(err))
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)

	in := widgetOrder()
	in.Items = nil
	_, err := f.svc.CreateOrder(context.Background(), in)
	require.True(t, domain.IsValidation(err), "got %v", err)
	require.Empty(t, f.outbox.AllPending())
}

func TestUpdateStatus_RecordsTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusProcessing)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, updated.Status)
	require.Equal(t, int64(1), updated.Version)
	require.True(t, updated.UpdatedAt.After(order.UpdatedAt))

	_, err = f.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted)
	var transitionErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, "processing", transitionErr.From)

	events, err := f.svc.Timeline(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.TimelineOrderCreated, events[0].Type)
	require.Equal(t, domain.TimelineStatusChanged, events[1].Type)
	require.Equal(t, "pending -> processing", events[1].Reason)
}

func TestUpdateStatus_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpdateStatus(context.Background(), "ORD-404", domain.OrderStatusProcessing)
	require.True(t, domain.IsNotFound(err))
	require.Equal(t, metrics.ResultNotFound, CommandResult(err))
}

func TestFulfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	_, err = f.svc.Fulfill(ctx, order.ID, "   ")
	require.True(t, domain.IsValidation(err))

	fulfilled, err := f.svc.Fulfill(ctx, order.ID, "1Z999")
	require.NoError(t, err)
	require.Equal(t, domain.FulfillmentStatusFulfilled, fulfilled.FulfillmentStatus)
	require.Equal(t, "1Z999", fulfilled.TrackingNumber)

	_, err = f.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled)
	require.NoError(t, err)

	other, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, other.ID, domain.OrderStatusCancelled)
	require.NoError(t, err)
	_, err = f.svc.Fulfill(ctx, other.ID, "1Z000")
	require.True(t, domain.IsInvalidTransition(err))
}

func TestRefund_PartialThenFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	partial, err := f.svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(60), Reason: "damaged"})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPartiallyRefunded, partial.PaymentStatus)
	require.Len(t, partial.Refunds, 1)
	require.NotEmpty(t, partial.Refunds[0].ID)

	full, err := f.svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, full.PaymentStatus)

	_, err = f.svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrRefundExceedsTotal)

	refunds := f.gateway.Refunds()
	require.Len(t, refunds, 2)
	require.Equal(t, partial.Refunds[0].ID, refunds[0].RefundID)

	events, err := f.svc.Timeline(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, "60.00: damaged", events[1].Reason)
}

// commitFailingRepo выполняет мутацию, но теряет её при сохранении.
type commitFailingRepo struct {
	domain.OrderRepository
}

func (r commitFailingRepo) ApplyMutation(ctx context.Context, id string, mutate domain.Mutation) (domain.Order, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if _, err := mutate(current.Clone()); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{}, errors.New("commit order mutation: connection reset")
}

func TestRefund_LostCommitIsReportedForReconciliation(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	gateway := payment.NewMockGateway()
	repo := commitFailingRepo{OrderRepository: memory.NewOrderRepository()}
	svc := NewService(repo,
		WithPaymentGateway(gateway),
		WithLogger(log.NewEntry(logger)),
		WithClock(steppingClock()),
	)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	_, err = svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(10)})
	require.ErrorContains(t, err, "connection reset")
	require.Len(t, gateway.Refunds(), 1)

	entry := reconciliationEntry(hook)
	require.NotNil(t, entry)
	require.Equal(t, log.ErrorLevel, entry.Level)
	require.Equal(t, gateway.Refunds()[0].RefundID, entry.Data["refund_id"])
	require.Equal(t, "10.00", entry.Data["amount"])

	hook.Reset()
	gateway.RefundErr = domain.ErrPaymentDeclined
	_, err = svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	require.Nil(t, reconciliationEntry(hook), "declined refunds need no reconciliation")
}

func reconciliationEntry(hook *logtest.Hook) *log.Entry {
	for _, entry := range hook.AllEntries() {
		if entry.Message == "refund accepted by payment provider but not recorded" {
			return entry
		}
	}
	return nil
}

func TestRefund_GatewayFailureRejectsMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	f.gateway.RefundErr = domain.ErrPaymentDeclined
	_, err = f.svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)

	stored, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Empty(t, stored.Refunds)
	require.Equal(t, int64(0), stored.Version)
}

func TestRefund_ConcurrentNeverExceedsTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(15)})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrRefundExceedsTotal) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 6, accepted)
	stored, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, stored.RefundedAmount().Equal(decimal.NewFromInt(90)))
}

func TestCapturePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	paid, err := f.svc.CapturePayment(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)
	require.NotNil(t, paid.PaidAt)

	_, err = f.svc.CapturePayment(ctx, order.ID)
	require.True(t, domain.IsInvalidTransition(err))

	captures := f.gateway.Captures()
	require.Len(t, captures, 1)
	require.True(t, captures[0].Amount.Equal(decimal.NewFromInt(100)))

	types := make([]string, 0)
	for _, msg := range f.outbox.AllPending() {
		types = append(types, msg.EventType)
	}
	require.Equal(t, []string{string(kafka.EventTypeOrderCreated), string(kafka.EventTypeOrderPaid)}, types)
}

func TestTimeline_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Timeline(context.Background(), "ORD-404")
	require.True(t, domain.IsNotFound(err))
}

func TestService_WithoutOptionalDependencies(t *testing.T) {
	svc := NewService(memory.NewOrderRepository())
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, widgetOrder())
	require.NoError(t, err)

	_, err = svc.Refund(ctx, order.ID, RefundInput{Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	events, err := svc.Timeline(ctx, order.ID)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		_, err := f.svc.CreateOrder(ctx, widgetOrder())
		require.NoError(t, err)
	}
	_, err := f.svc.UpdateStatus(ctx, "ORD-000002", domain.OrderStatusProcessing)
	require.NoError(t, err)

	var ids []string
	for order, err := range f.svc.ListOrders(ctx, domain.ListFilter{Status: domain.OrderStatusPending}) {
		require.NoError(t, err)
		ids = append(ids, order.ID)
	}
	require.Equal(t, []string{"ORD-000001", "ORD-000003"}, ids)
}
