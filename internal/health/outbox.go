package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// OutboxBacklogChecker помечает сервис degraded, когда outbox копит события.
type OutboxBacklogChecker struct {
	outbox     domain.OutboxRepository
	maxPending int
	maxAge     time.Duration
	now        func() time.Time
}

// NewOutboxBacklogChecker создаёт проверку backlog; нулевой порог отключает соответствующее условие.
func NewOutboxBacklogChecker(outbox domain.OutboxRepository, maxPending int, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{outbox: outbox, maxPending: maxPending, maxAge: maxAge, now: time.Now}
}

// Check сравнивает backlog с порогами. Ошибка чтения статистики считается unhealthy.
func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	stats, err := c.outbox.Stats(ctx)
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}

	if c.maxPending > 0 && stats.PendingCount > c.maxPending {
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d pending events, limit %d", stats.PendingCount, c.maxPending),
		}
	}
	if c.maxAge > 0 && !stats.OldestPendingAt.IsZero() {
		if age := c.now().Sub(stats.OldestPendingAt); age > c.maxAge {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("oldest pending event is %s old", age.Truncate(time.Second)),
			}
		}
	}
	return Check{Status: StatusHealthy}
}
