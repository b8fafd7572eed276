package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-oms/internal/storage/memory"
)

var jan15 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newOrder(t *testing.T, id, customer string, price int64) domain.Order {
	t.Helper()
	order, err := domain.NewOrder(id,
		domain.Customer{Name: customer, Email: "buyer@example.com"},
		[]domain.OrderItem{{Name: "Widget", Quantity: 1, UnitPrice: decimal.NewFromInt(price)}},
		nil, jan15)
	require.NoError(t, err)
	return order
}

func seed(t *testing.T, repo domain.OrderRepository, orders ...domain.Order) {
	t.Helper()
	for _, order := range orders {
		require.NoError(t, repo.Create(context.Background(), order))
	}
}

func mutate(t *testing.T, repo domain.OrderRepository, id string, fn func(domain.Order) (domain.Order, error)) {
	t.Helper()
	_, err := repo.ApplyMutation(context.Background(), id, domain.Mutation(fn))
	require.NoError(t, err)
}

func newTestFacade(t *testing.T, repo domain.OrderRepository) *Facade {
	t.Helper()
	facade, err := NewFacade(repo, 8, metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	return facade
}

func TestStats_FulfillmentRate(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()

	for i := range 5 {
		seed(t, repo, newOrder(t, domain.FormatOrderID(int64(i+1)), "John Smith", 100))
	}
	for i := range 3 {
		mutate(t, repo, domain.FormatOrderID(int64(i+1)), func(o domain.Order) (domain.Order, error) {
			return domain.SetFulfillment(o, "TRACK", jan15.Add(time.Hour))
		})
	}

	stats, err := newTestFacade(t, repo).Stats(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 5, stats.TotalOrders)
	require.Equal(t, 60.0, stats.FulfillmentRate)
	require.Equal(t, 5, stats.StatusBreakdown[domain.OrderStatusPending])
	require.Equal(t, 0, stats.StatusBreakdown[domain.OrderStatusCompleted])
	require.True(t, stats.TotalRevenue.Equal(decimal.NewFromInt(500)))
	require.True(t, stats.AverageOrderValue.Equal(decimal.NewFromInt(100)))
}

func TestStats_RevenueExcludesRefundsAndCancelled(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	seed(t, repo,
		newOrder(t, "ORD-1", "Ann", 100),
		newOrder(t, "ORD-2", "Bob", 50),
		newOrder(t, "ORD-3", "Cid", 30),
	)
	mutate(t, repo, "ORD-1", func(o domain.Order) (domain.Order, error) {
		return domain.ProcessRefund(o, domain.Refund{ID: "r1", Amount: decimal.NewFromInt(25), ProcessedAt: jan15})
	})
	mutate(t, repo, "ORD-3", func(o domain.Order) (domain.Order, error) {
		return domain.SetStatus(o, domain.OrderStatusCancelled, jan15)
	})

	stats, err := newTestFacade(t, repo).Stats(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.True(t, stats.TotalRevenue.Equal(decimal.NewFromInt(125)), stats.TotalRevenue.String())
	require.Equal(t, "62.50", stats.AverageOrderValue.StringFixed(2))
	require.Equal(t, 1, stats.StatusBreakdown[domain.OrderStatusCancelled])
	require.Equal(t, 0.0, stats.FulfillmentRate)
}

func TestStats_Empty(t *testing.T) {
	stats, err := newTestFacade(t, memory.NewOrderRepository()).Stats(context.Background(), domain.ListFilter{})
	require.NoError(t, err)
	require.Zero(t, stats.TotalOrders)
	require.True(t, stats.AverageOrderValue.IsZero())
	require.Zero(t, stats.FulfillmentRate)
}

func TestStats_RoundsToOneDecimal(t *testing.T) {
	repo := memory.NewOrderRepository()
	seed(t, repo, newOrder(t, "A", "Ann", 1), newOrder(t, "B", "Ann", 1), newOrder(t, "C", "Ann", 1))
	mutate(t, repo, "A", func(o domain.Order) (domain.Order, error) {
		return domain.SetFulfillment(o, "T", jan15)
	})

	stats, err := newTestFacade(t, repo).Stats(context.Background(), domain.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 33.3, stats.FulfillmentRate)
}

func TestStats_CacheInvalidatedByMutation(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{OrderRepository: memory.NewOrderRepository()}
	seed(t, repo, newOrder(t, "ORD-1", "Ann", 10))
	facade := newTestFacade(t, repo)

	first, err := facade.Stats(ctx, domain.ListFilter{})
	require.NoError(t, err)
	_, err = facade.Stats(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, repo.lists, "second call must be served from cache")

	// Изменение кэшированного результата не портит кэш.
	first.StatusBreakdown[domain.OrderStatusPending] = 42

	mutate(t, repo, "ORD-1", func(o domain.Order) (domain.Order, error) {
		return domain.SetStatus(o, domain.OrderStatusProcessing, jan15.Add(time.Minute))
	})
	after, err := facade.Stats(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, repo.lists)
	require.Equal(t, 0, after.StatusBreakdown[domain.OrderStatusPending])
	require.Equal(t, 1, after.StatusBreakdown[domain.OrderStatusProcessing])

	filtered, err := facade.Stats(ctx, domain.ListFilter{Customer: "bob"})
	require.NoError(t, err)
	require.Zero(t, filtered.TotalOrders)
	require.Equal(t, 3, repo.lists)
}

func TestStats_InvalidFilter(t *testing.T) {
	_, err := newTestFacade(t, memory.NewOrderRepository()).Stats(context.Background(), domain.ListFilter{Status: "bogus"})
	require.True(t, domain.IsValidation(err))
}

func TestExport_CSV(t *testing.T) {
	repo := memory.NewOrderRepository()
	order, err := domain.NewOrder("#ORD-001",
		domain.Customer{Name: "John Smith", Email: "john@example.com"},
		[]domain.OrderItem{{Name: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("99.50")}},
		nil, jan15)
	require.NoError(t, err)
	seed(t, repo, order)
	for _, status := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusCompleted} {
		mutate(t, repo, order.ID, func(o domain.Order) (domain.Order, error) {
			return domain.SetStatus(o, status, jan15)
		})
	}

	var buf bytes.Buffer
	require.NoError(t, newTestFacade(t, repo).Export(context.Background(), domain.ListFilter{}, FormatCSV, &buf))
	require.Equal(t, "Order ID,Customer,Total,Status,Date\n#ORD-001,John Smith,199.00,completed,2024-01-15\n", buf.String())
}

func TestExport_CSVHeaderOnlyWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestFacade(t, memory.NewOrderRepository()).Export(context.Background(), domain.ListFilter{}, "CSV", &buf))
	require.Equal(t, "Order ID,Customer,Total,Status,Date\n", buf.String())
}

func TestExport_CSVQuotesSpecialCharacters(t *testing.T) {
	repo := memory.NewOrderRepository()
	seed(t, repo, newOrder(t, "ORD-1", "Smith, John", 5))

	var buf bytes.Buffer
	require.NoError(t, newTestFacade(t, repo).Export(context.Background(), domain.ListFilter{}, FormatCSV, &buf))
	require.Contains(t, buf.String(), `ORD-1,"Smith, John",5.00,pending,2024-01-15`)
}

func TestExport_JSON(t *testing.T) {
	repo := memory.NewOrderRepository()
	seed(t, repo, newOrder(t, "ORD-1", "Ann", 10), newOrder(t, "ORD-2", "Bob", 20))

	var buf bytes.Buffer
	filter := domain.ListFilter{SortBy: domain.SortTotal, SortDesc: true}
	require.NoError(t, newTestFacade(t, repo).Export(context.Background(), filter, FormatJSON, &buf))

	var rows []exportedOrder
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	require.Equal(t, "ORD-2", rows[0].ID)
	require.Equal(t, "20.00", rows[0].Total)
	require.Equal(t, "2024-01-15", rows[1].Date)
}

func TestExport_JSONEmptyIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestFacade(t, memory.NewOrderRepository()).Export(context.Background(), domain.ListFilter{}, FormatJSON, &buf))
	require.JSONEq(t, `[]`, buf.String())
}

func TestExport_UnsupportedFormat(t *testing.T) {
	var buf bytes.Buffer
	err := newTestFacade(t, memory.NewOrderRepository()).Export(context.Background(), domain.ListFilter{}, "xml", &buf)

	var formatErr *domain.UnsupportedFormatError
	require.ErrorAs(t, err, &formatErr)
	require.Equal(t, "xml", formatErr.Format)
	require.Zero(t, buf.Len())
}

func TestExport_PropagatesListError(t *testing.T) {
	boom := errors.New("scan failed")
	repo := &failingListRepo{OrderRepository: memory.NewOrderRepository(), err: boom}

	var buf bytes.Buffer
	err := newTestFacade(t, repo).Export(context.Background(), domain.ListFilter{}, FormatCSV, &buf)
	require.ErrorIs(t, err, boom)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "text/csv; charset=utf-8", FormatCSV.ContentType())
	require.Equal(t, "application/json", FormatJSON.ContentType())
	require.Equal(t, "orders-2024-01-15.csv", FormatCSV.FileName(jan15))

	f, err := ParseFormat(" Json ")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)
}

type countingRepo struct {
	domain.OrderRepository
	lists int
}

func (r *countingRepo) List(ctx context.Context, filter domain.ListFilter) iter.Seq2[domain.Order, error] {
	r.lists++
	return r.OrderRepository.List(ctx, filter)
}

type failingListRepo struct {
	domain.OrderRepository
	err error
}

func (r *failingListRepo) List(context.Context, domain.ListFilter) iter.Seq2[domain.Order, error] {
	return func(yield func(domain.Order, error) bool) {
		yield(domain.Order{}, r.err)
	}
}
