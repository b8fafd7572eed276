package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

// Append дописывает событие; нулевое время заменяется текущим.
func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, event.Reason, occurred.UTC().Truncate(domain.TimeResolution))
	if err != nil {
		return fmt.Errorf("append %s to timeline of %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// List возвращает историю заказа по времени; при равном времени решает порядок вставки.
func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT order_id, type, reason, occurred FROM timeline_events WHERE order_id = $1 ORDER BY occurred, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("timeline of %s: %w", orderID, err)
	}
	events, err := collectRows(rows, func(row rowScanner) (domain.TimelineEvent, error) {
		var event domain.TimelineEvent
		if err := row.Scan(&event.OrderID, &event.Type, &event.Reason, &event.Occurred); err != nil {
			return event, fmt.Errorf("scan timeline row: %w", err)
		}
		event.Occurred = event.Occurred.UTC()
		return event, nil
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
