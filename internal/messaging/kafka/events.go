package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// EventType — тип события заказа в outbox и Kafka.
type EventType string

const (
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderStatusChanged EventType = "order.status_changed"
	EventTypeOrderFulfilled     EventType = "order.fulfilled"
	EventTypeOrderPaid          EventType = "order.paid"
	EventTypeOrderRefunded      EventType = "order.refunded"
)

// Topics.
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicDeadLetterQueue = "storefront.dlq"
)

// AggregateOrder — aggregate_type для событий заказа.
const AggregateOrder = "order"

// OrderEvent — полезная нагрузка события заказа.
type OrderEvent struct {
	EventType         EventType `json:"event_type"`
	OrderID           string    `json:"order_id"`
	CustomerEmail     string    `json:"customer_email"`
	Status            string    `json:"status"`
	PaymentStatus     string    `json:"payment_status"`
	FulfillmentStatus string    `json:"fulfillment_status"`
	Total             string    `json:"total"`
	Version           int64     `json:"version"`
	Timestamp         time.Time `json:"timestamp"`
	// Details зависят от типа события: трек-номер, сумма возврата и т.п.
	Details map[string]string `json:"details,omitempty"`
}

// NewOrderEvent снимает событие с состояния заказа после мутации.
func NewOrderEvent(eventType EventType, order domain.Order, details map[string]string) OrderEvent {
	return OrderEvent{
		EventType:         eventType,
		OrderID:           order.ID,
		CustomerEmail:     order.Customer.Email,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		Total:             order.Total().StringFixed(2),
		Version:           order.Version,
		Timestamp:         order.UpdatedAt,
		Details:           details,
	}
}
