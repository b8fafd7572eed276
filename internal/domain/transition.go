package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// statusTransitions — допустимые рёбра машины состояний заказа.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
}

// CanTransition проверяет, разрешён ли переход from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// allowedTransitions возвращает статусы, в которые можно перейти из from.
func allowedTransitions(from OrderStatus) []OrderStatus {
	allowed := statusTransitions[from]
	result := make([]OrderStatus, len(allowed))
	copy(result, allowed)
	return result
}

// SetStatus вычисляет новое состояние заказа после смены статуса.
// Исходный заказ не изменяется.
func SetStatus(order Order, to OrderStatus, now time.Time) (Order, error) {
	if !to.Valid() {
		return Order{}, NewValidationError("status", ErrStatusInvalid)
	}
	if order.Status == OrderStatusCancelled {
		return Order{}, &InvalidTransitionError{
			OrderID: order.ID,
			From:    string(order.Status),
			To:      string(to),
			Reason:  "order is cancelled",
		}
	}
	if !CanTransition(order.Status, to) {
		return Order{}, &InvalidTransitionError{
			OrderID: order.ID,
			From:    string(order.Status),
			To:      string(to),
			Reason:  allowedReason(order.Status),
		}
	}

	next := order.Clone()
	next.Status = to
	touch(&next, now)
	return next, nil
}

// SetFulfillment отмечает заказ отгруженным и фиксирует трек-номер.
func SetFulfillment(order Order, trackingNumber string, now time.Time) (Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return Order{}, NewValidationError("trackingNumber", ErrTrackingNumberRequired)
	}
	if order.Status == OrderStatusCancelled {
		return Order{}, &InvalidTransitionError{
			OrderID: order.ID,
			From:    string(order.FulfillmentStatus),
			To:      string(FulfillmentStatusFulfilled),
			Reason:  "order is cancelled",
		}
	}
	if order.FulfillmentStatus == FulfillmentStatusFulfilled {
		return Order{}, &InvalidTransitionError{
			OrderID: order.ID,
			From:    string(order.FulfillmentStatus),
			To:      string(FulfillmentStatusFulfilled),
			Reason:  "order is already fulfilled",
		}
	}

	next := order.Clone()
	next.FulfillmentStatus = FulfillmentStatusFulfilled
	next.TrackingNumber = trackingNumber
	touch(&next, now)
	return next, nil
}

// CapturePayment переводит неоплаченный заказ в paid.
func CapturePayment(order Order, now time.Time) (Order, error) {
	if order.Status == OrderStatusCancelled {
		return Order{}, &InvalidTransitionError{
			OrderID: order.ID,
			From:    string(order.PaymentStatus),
			To:      string(PaymentStatusPaid),
			Reason:  "order is cancelled",
		}
	}
	if order.PaymentStatus != PaymentStatusUnpaid {
		return Order{}, &InvalidTransitionError{
			OrderID: order.ID,
			From:    string(order.PaymentStatus),
			To:      string(PaymentStatusPaid),
		}
	}

	next := order.Clone()
	next.PaymentStatus = PaymentStatusPaid
	touch(&next, now)
	paidAt := next.UpdatedAt
	next.PaidAt = &paidAt
	return next, nil
}

// ProcessRefund добавляет возврат и пересчитывает статус оплаты.
// Возврат разрешён и для отменённых заказов.
func ProcessRefund(order Order, refund Refund) (Order, error) {
	if !refund.Amount.IsPositive() {
		return Order{}, NewValidationError("amount", ErrRefundAmountInvalid)
	}
	if !IsCents(refund.Amount) {
		return Order{}, NewValidationError("amount", ErrRefundAmountPrecision)
	}
	if refund.Amount.GreaterThan(order.RefundableAmount()) {
		return Order{}, NewValidationError("amount", ErrRefundExceedsTotal)
	}

	next := order.Clone()
	touch(&next, refund.ProcessedAt)
	refund.ProcessedAt = next.UpdatedAt
	refund.Reason = strings.TrimSpace(refund.Reason)
	next.Refunds = append(next.Refunds, refund)
	next.PaymentStatus = paymentStatusAfterRefunds(next)
	return next, nil
}

// paymentStatusAfterRefunds выводит статус оплаты из суммы возвратов.
func paymentStatusAfterRefunds(order Order) PaymentStatus {
	refunded := order.RefundedAmount()
	switch {
	case refunded.IsZero():
		return order.PaymentStatus
	case refunded.Equal(order.Total()):
		return PaymentStatusRefunded
	case refunded.LessThan(order.Total()):
		return PaymentStatusPartiallyRefunded
	default:
		return order.PaymentStatus
	}
}

// touch выставляет updatedAt, не допуская движения назад при коллизии часов.
func touch(order *Order, now time.Time) {
	now = now.UTC().Truncate(TimeResolution)
	if now.Before(order.UpdatedAt) {
		now = order.UpdatedAt
	}
	order.UpdatedAt = now
}

// MoneyScale — число знаков после запятой в денежных суммах.
const MoneyScale = 2

// RoundMoney округляет денежную сумму до центов.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyScale)
}

// IsCents сообщает, что сумма задана не точнее цента.
func IsCents(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(MoneyScale))
}

// allowedReason перечисляет допустимые переходы для сообщения об ошибке.
func allowedReason(from OrderStatus) string {
	allowed := allowedTransitions(from)
	if len(allowed) == 0 {
		return fmt.Sprintf("%s is terminal", from)
	}
	names := make([]string, len(allowed))
	for i, status := range allowed {
		names[i] = string(status)
	}
	return "allowed: " + strings.Join(names, ", ")
}

// CheckMutation проверяет результат мутации перед сохранением.
// Поля, заданные при создании, не меняются, возвраты только дописываются.
func CheckMutation(current, next Order) error {
	switch {
	case next.ID != current.ID:
		return NewValidationError("id", ErrImmutableFieldChanged)
	case !next.CreatedAt.Equal(current.CreatedAt):
		return NewValidationError("createdAt", ErrImmutableFieldChanged)
	case next.Customer != current.Customer:
		return NewValidationError("customer", ErrImmutableFieldChanged)
	case !sameAddress(next.ShippingAddress, current.ShippingAddress):
		return NewValidationError("shippingAddress", ErrImmutableFieldChanged)
	case !sameItems(next.Items, current.Items):
		return NewValidationError("items", ErrImmutableFieldChanged)
	case !refundsAppended(current.Refunds, next.Refunds):
		return NewValidationError("refunds", ErrImmutableFieldChanged)
	case next.UpdatedAt.Before(current.UpdatedAt):
		return NewValidationError("updatedAt", ErrUpdatedAtRegressed)
	}
	if errs := next.ValidateInvariants(); len(errs) > 0 {
		return &ValidationError{Field: "order", Err: errors.Join(errs...)}
	}
	return nil
}

func sameItems(a, b []OrderItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Quantity != b[i].Quantity || !a[i].UnitPrice.Equal(b[i].UnitPrice) {
			return false
		}
	}
	return true
}

// refundsAppended проверяет, что история возвратов только дописывается.
func refundsAppended(before, after []Refund) bool {
	if len(after) < len(before) {
		return false
	}
	for i := range before {
		if before[i].ID != after[i].ID || !before[i].Amount.Equal(after[i].Amount) {
			return false
		}
	}
	return true
}

func sameAddress(a, b *Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
