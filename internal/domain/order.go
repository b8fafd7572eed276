package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа в витрине.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан и ждёт обработки.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing — заказ собирается.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCompleted — заказ доставлен, цикл завершён.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заказ отменён; терминальный статус.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses перечисляет статусы в порядке жизненного цикла.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет исходящих переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Valid проверяет, что статус оплаты поддерживается.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusUnpaid, PaymentStatusPaid, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// FulfillmentStatus описывает состояние отгрузки заказа.
type FulfillmentStatus string

const (
	FulfillmentStatusUnfulfilled FulfillmentStatus = "unfulfilled"
	FulfillmentStatusFulfilled   FulfillmentStatus = "fulfilled"
)

// Valid проверяет, что статус отгрузки поддерживается.
func (s FulfillmentStatus) Valid() bool {
	return s == FulfillmentStatusUnfulfilled || s == FulfillmentStatusFulfilled
}

// Customer — данные покупателя, фиксируются при создании заказа.
type Customer struct {
	Name   string
	Email  string
	Phone  string
	Avatar string
}

// Address — адрес доставки.
type Address struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	Name      string
	Quantity  int32
	UnitPrice decimal.Decimal
}

// Subtotal возвращает quantity * unitPrice.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt32(i.Quantity))
}

// Refund — запись о возврате средств по заказу.
type Refund struct {
	ID          string
	Amount      decimal.Decimal
	Reason      string
	ProcessedAt time.Time
}

// Order агрегирует состояние заказа, его позиции и возвраты.
type Order struct {
	ID                string
	Customer          Customer
	Items             []OrderItem
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	TrackingNumber    string
	ShippingAddress   *Address
	Refunds           []Refund
	PaidAt            *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TimeResolution — точность хранения временных меток заказа.
const TimeResolution = time.Microsecond

// FormatOrderID форматирует порядковый номер заказа в человекочитаемый ID.
func FormatOrderID(seq int64) string {
	return fmt.Sprintf("ORD-%06d", seq)
}

// NewOrder собирает заказ в начальном состоянии и проверяет входные данные.
func NewOrder(id string, customer Customer, items []OrderItem, address *Address, now time.Time) (Order, error) {
	now = now.UTC().Truncate(TimeResolution)
	order := Order{
		ID:                strings.TrimSpace(id),
		Customer:          customer,
		Items:             append([]OrderItem(nil), items...),
		Status:            OrderStatusPending,
		PaymentStatus:     PaymentStatusUnpaid,
		FulfillmentStatus: FulfillmentStatusUnfulfilled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if address != nil {
		addr := *address
		order.ShippingAddress = &addr
	}

	if order.ID == "" {
		return Order{}, &ValidationError{Field: "id", Err: ErrOrderIDRequired}
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return Order{}, &ValidationError{Field: "order", Err: errors.Join(errs...)}
	}
	return order, nil
}

// Total — сумма позиций заказа. Не хранится отдельно и не может быть задана напрямую.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// RefundedAmount возвращает сумму всех возвратов.
func (o Order) RefundedAmount() decimal.Decimal {
	sum := decimal.Zero
	for _, refund := range o.Refunds {
		sum = sum.Add(refund.Amount)
	}
	return sum
}

// RefundableAmount — сколько ещё можно вернуть по заказу.
func (o Order) RefundableAmount() decimal.Decimal {
	return o.Total().Sub(o.RefundedAmount())
}

// Clone возвращает глубокую копию заказа, чтобы снапшоты не делили срезы.
func (o Order) Clone() Order {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	dst.Refunds = append([]Refund(nil), o.Refunds...)
	if o.ShippingAddress != nil {
		addr := *o.ShippingAddress
		dst.ShippingAddress = &addr
	}
	if o.PaidAt != nil {
		paidAt := *o.PaidAt
		dst.PaidAt = &paidAt
	}
	return dst
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.Customer.Name) == "" {
		errs = append(errs, ErrCustomerNameRequired)
	}
	if strings.TrimSpace(o.Customer.Email) == "" {
		errs = append(errs, ErrCustomerEmailRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range o.Items {
		if strings.TrimSpace(item.Name) == "" {
			errs = append(errs, ErrItemNameRequired)
		}
		if item.Quantity < 1 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if !IsCents(item.UnitPrice) {
			errs = append(errs, ErrItemPricePrecision)
		}
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusInvalid)
	}
	if !o.PaymentStatus.Valid() {
		errs = append(errs, ErrPaymentStatusInvalid)
	}
	if !o.FulfillmentStatus.Valid() {
		errs = append(errs, ErrFulfillmentStatusInvalid)
	}

	for _, refund := range o.Refunds {
		if refund.Amount.IsNegative() {
			errs = append(errs, ErrRefundAmountInvalid)
		}
	}
	if o.RefundedAmount().GreaterThan(o.Total()) {
		errs = append(errs, ErrRefundExceedsTotal)
	}
	if o.UpdatedAt.Before(o.CreatedAt) {
		errs = append(errs, ErrUpdatedBeforeCreated)
	}

	return errs
}
