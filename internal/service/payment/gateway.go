package payment

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

var gatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_payment_gateway_calls_total",
	Help: "Payment gateway calls grouped by operation and result",
}, []string{"operation", "result"})

// Backoff — повторы временных ошибок провайдера с экспоненциальной паузой.
type Backoff struct {
	Attempts   int
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
}

// DefaultBackoff — три попытки с паузами 50ms и 100ms.
// Вызовы идут под блокировкой заказа, поэтому паузы короткие.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Base: 50 * time.Millisecond, Cap: time.Second, Multiplier: 2}
}

// pause возвращает ожидание после неудачной попытки attempt (с единицы).
func (b Backoff) pause(attempt int) time.Duration {
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	d := time.Duration(float64(b.Base) * math.Pow(multiplier, float64(attempt-1)))
	if b.Cap > 0 && (d > b.Cap || d < 0) {
		return b.Cap
	}
	return d
}

// ResilientGateway добавляет к провайдеру повторы временных ошибок и circuit breaker.
// Повтор Refund безопасен: провайдер дедуплицирует по refundID.
type ResilientGateway struct {
	next    domain.PaymentGateway
	backoff Backoff
	breaker *Breaker
	logger  *log.Entry
}

// NewResilientGateway оборачивает next. nil breaker отключает размыкание.
func NewResilientGateway(next domain.PaymentGateway, backoff Backoff, breaker *Breaker, logger *log.Entry) *ResilientGateway {
	if logger == nil {
		logger = log.WithField("component", "payment-gateway")
	}
	backoff.Attempts = max(backoff.Attempts, 1)
	return &ResilientGateway{next: next, backoff: backoff, breaker: breaker, logger: logger}
}

func (g *ResilientGateway) Capture(ctx context.Context, orderID string, amount decimal.Decimal) error {
	return g.call(ctx, "capture", orderID, func(ctx context.Context) error {
		return g.next.Capture(ctx, orderID, amount)
	})
}

func (g *ResilientGateway) Refund(ctx context.Context, orderID, refundID string, amount decimal.Decimal) error {
	return g.call(ctx, "refund", orderID, func(ctx context.Context) error {
		return g.next.Refund(ctx, orderID, refundID, amount)
	})
}

func (g *ResilientGateway) call(ctx context.Context, operation, orderID string, fn func(context.Context) error) error {
	entry := g.logger.WithFields(log.Fields{"operation": operation, "order_id": orderID})

	var err error
	for attempt := 1; ; attempt++ {
		err = g.attempt(ctx, fn)
		switch {
		case errors.Is(err, ErrBreakerOpen):
			gatewayCalls.WithLabelValues(operation, "rejected").Inc()
			return err
		case err == nil:
			gatewayCalls.WithLabelValues(operation, "ok").Inc()
			if attempt > 1 {
				entry.WithField("attempt", attempt).Info("payment call succeeded after retry")
			}
			return nil
		case !errors.Is(err, domain.ErrPaymentTemporary):
			gatewayCalls.WithLabelValues(operation, "failed").Inc()
			return err
		}
		gatewayCalls.WithLabelValues(operation, "temporary").Inc()

		if attempt >= g.backoff.Attempts {
			break
		}
		pause := g.backoff.pause(attempt)
		entry.WithFields(log.Fields{"attempt": attempt, "delay": pause}).WithError(err).Warn("payment call failed, retrying")
		if !sleep(ctx, pause) {
			return err
		}
	}

	entry.WithField("attempts", g.backoff.Attempts).WithError(err).Error("payment call failed after all retry attempts")
	return err
}

func (g *ResilientGateway) attempt(ctx context.Context, fn func(context.Context) error) error {
	if g.breaker == nil {
		return fn(ctx)
	}
	if err := g.breaker.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	g.breaker.report(err)
	return err
}

// sleep возвращает false, если ctx отменили раньше.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ domain.PaymentGateway = (*ResilientGateway)(nil)
