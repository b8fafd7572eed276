package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

var breakerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "storefront_payment_circuit_state",
	Help: "Payment circuit breaker state: 0 closed, 1 open, 2 half-open",
})

// ErrBreakerOpen возвращается без обращения к провайдеру, пока breaker открыт.
// Оборачивает ErrPaymentTemporary: для вызывающего это временный сбой.
var ErrBreakerOpen = fmt.Errorf("payment circuit breaker is open: %w", domain.ErrPaymentTemporary)

// BreakerState — состояние Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker размыкается после threshold временных ошибок подряд.
// Через cooldown он пропускает ровно один пробный вызов; остальные получают ErrBreakerOpen, пока проба не завершится.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	streak    int
	openedAt  time.Time
	state     BreakerState
	probing   bool
	now       func() time.Time
	logger    *log.Entry
}

// NewBreaker создаёт замкнутый breaker; threshold меньше 1 считается единицей.
func NewBreaker(threshold int, cooldown time.Duration, logger *log.Entry) *Breaker {
	if logger == nil {
		logger = log.WithField("component", "payment-breaker")
	}
	return &Breaker{
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// State возвращает текущее состояние.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// acquire разрешает вызов или возвращает ErrBreakerOpen.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// report учитывает итог вызова. Бизнес-отказ провайдера означает, что провайдер жив.
// Отмена контекста ничего не говорит о провайдере и только освобождает пробу.
func (b *Breaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case err == nil, !errors.Is(err, domain.ErrPaymentTemporary):
		b.streak = 0
		if b.state != BreakerClosed {
			b.logger.Info("payment circuit breaker closed")
			b.transition(BreakerClosed)
		}
		return
	}

	b.streak++
	if b.state == BreakerHalfOpen || b.streak >= b.threshold {
		if b.state != BreakerOpen {
			b.logger.WithField("failures", b.streak).Warn("payment circuit breaker opened")
		}
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) transition(state BreakerState) {
	b.state = state
	breakerStateGauge.Set(float64(state))
}
