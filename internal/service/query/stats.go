package query

import (
	"context"
	"fmt"
	"iter"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
)

// DefaultStatsCacheSize — число фильтров, для которых хранится статистика.
const DefaultStatsCacheSize = 128

// Stats — агрегаты по выборке заказов.
type Stats struct {
	TotalOrders       int
	TotalRevenue      decimal.Decimal
	AverageOrderValue decimal.Decimal
	// FulfillmentRate — доля отгруженных заказов в процентах, один знак после запятой.
	FulfillmentRate float64
	StatusBreakdown map[domain.OrderStatus]int
}

// Facade — read-only проекции над хранилищем заказов.
type Facade struct {
	repo    domain.OrderRepository
	cache   *lru.Cache[string, Stats]
	metrics *metrics.OrderMetrics
	logger  *log.Entry
}

// NewFacade создаёт фасад; cacheSize <= 0 означает DefaultStatsCacheSize.
func NewFacade(repo domain.OrderRepository, cacheSize int, m *metrics.OrderMetrics) (*Facade, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultStatsCacheSize
	}
	cache, err := lru.New[string, Stats](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create stats cache: %w", err)
	}
	return &Facade{
		repo:    repo,
		cache:   cache,
		metrics: m,
		logger:  log.WithField("component", "order-query"),
	}, nil
}

// Stats считает статистику полным проходом по выборке.
// Результат кэшируется по ревизии хранилища, поэтому любая принятая мутация делает старые записи недостижимыми.
func (f *Facade) Stats(ctx context.Context, filter domain.ListFilter) (Stats, error) {
	if err := filter.Validate(); err != nil {
		return Stats{}, err
	}
	// Сортировка на агрегаты не влияет.
	filter.SortBy, filter.SortDesc = domain.SortNone, false

	before, err := f.repo.Revision(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("read store revision: %w", err)
	}
	key := fmt.Sprintf("%d|%s", before, filter.CacheKey())
	if cached, ok := f.cache.Get(key); ok {
		f.metrics.RecordStatsCache(true)
		return cloneStats(cached), nil
	}
	f.metrics.RecordStatsCache(false)

	stats, err := aggregate(f.repo.List(ctx, filter))
	if err != nil {
		return Stats{}, err
	}

	// Запись во время прохода могла попасть в выборку; такой результат не кэшируем.
	after, err := f.repo.Revision(ctx)
	if err == nil && after == before {
		f.cache.Add(key, cloneStats(stats))
	}
	return stats, nil
}

func aggregate(orders iter.Seq2[domain.Order, error]) (Stats, error) {
	stats := Stats{
		TotalRevenue:      decimal.Zero,
		AverageOrderValue: decimal.Zero,
		StatusBreakdown:   make(map[domain.OrderStatus]int, len(domain.OrderStatuses)),
	}
	for _, status := range domain.OrderStatuses {
		stats.StatusBreakdown[status] = 0
	}

	var fulfilled, revenueOrders int
	for order, err := range orders {
		if err != nil {
			return Stats{}, err
		}
		stats.TotalOrders++
		stats.StatusBreakdown[order.Status]++
		if order.FulfillmentStatus == domain.FulfillmentStatusFulfilled {
			fulfilled++
		}
		// Выручка считается нетто по неотменённым заказам.
		if order.Status != domain.OrderStatusCancelled {
			stats.TotalRevenue = stats.TotalRevenue.Add(order.RefundableAmount())
			revenueOrders++
		}
	}

	stats.TotalRevenue = domain.RoundMoney(stats.TotalRevenue)
	if revenueOrders > 0 {
		stats.AverageOrderValue = domain.RoundMoney(stats.TotalRevenue.Div(decimal.NewFromInt(int64(revenueOrders))))
	}
	if stats.TotalOrders > 0 {
		stats.FulfillmentRate = decimal.NewFromInt(int64(fulfilled)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(stats.TotalOrders))).
			Round(1).
			InexactFloat64()
	}
	return stats, nil
}

func cloneStats(s Stats) Stats {
	breakdown := make(map[domain.OrderStatus]int, len(s.StatusBreakdown))
	for status, n := range s.StatusBreakdown {
		breakdown[status] = n
	}
	s.StatusBreakdown = breakdown
	return s
}
