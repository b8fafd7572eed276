package domain

import "time"

// Типы событий истории заказа.
const (
	TimelineOrderCreated    = "OrderCreated"
	TimelineStatusChanged   = "OrderStatusChanged"
	TimelineOrderFulfilled  = "OrderFulfilled"
	TimelinePaymentCaptured = "PaymentCaptured"
	TimelineRefundProcessed = "RefundProcessed"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
