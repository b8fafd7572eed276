package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты команд для label "result".
const (
	ResultOK                = "ok"
	ResultValidation        = "validation"
	ResultNotFound          = "not_found"
	ResultInvalidTransition = "invalid_transition"
	ResultConflict          = "conflict"
	ResultError             = "error"
)

// OrderMetrics содержит метрики команд над заказами и HTTP API.
type OrderMetrics struct {
	// Команды над заказами
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	refundedAmount  prometheus.Counter

	// Побочные эффекты команд
	timelineEvents prometheus.Counter
	outboxEvents   *prometheus.CounterVec

	// Кэш статистики
	statsCache *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewOrderMetrics регистрирует метрики в глобальном реестре.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		commands: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_order_commands_total",
			Help: "Total number of order commands grouped by operation and result",
		}, []string{"operation", "result"})),
		commandDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_order_command_duration_seconds",
			Help:    "Duration of order commands in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"operation"})),
		refundedAmount: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_refunded_amount_total",
			Help: "Total refunded money across all orders",
		})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		})),
		outboxEvents: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_outbox_events_enqueued_total",
			Help: "Total number of outbox events enqueued grouped by event type",
		}, []string{"event_type"})),
		statsCache: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_stats_cache_requests_total",
			Help: "Stats cache lookups grouped by hit or miss",
		}, []string{"result"})),
		httpRequests: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total number of HTTP requests grouped by method, route and status",
		}, []string{"method", "route", "status"})),
		httpDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})),
	}
}

// register регистрирует коллектор или возвращает ранее зарегистрированный того же типа.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var alreadyRegistered prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		existing, ok := alreadyRegistered.ExistingCollector.(T)
		if !ok {
			panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
		}
		return existing
	}
	panic(fmt.Sprintf("register collector: %v", err))
}

// RecordCommand учитывает выполненную команду и её длительность.
func (m *OrderMetrics) RecordCommand(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(operation, result).Inc()
	m.commandDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRefund прибавляет сумму возврата.
func (m *OrderMetrics) RecordRefund(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.refundedAmount.Add(amount)
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent учитывает событие, поставленное в outbox.
func (m *OrderMetrics) RecordOutboxEvent(eventType string) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType).Inc()
}

// RecordStatsCache учитывает попадание или промах кэша статистики.
func (m *OrderMetrics) RecordStatsCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.statsCache.WithLabelValues(result).Inc()
}

// RecordHTTPRequest учитывает обработанный HTTP-запрос.
func (m *OrderMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, fmt.Sprint(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
