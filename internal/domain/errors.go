package domain

import (
	"errors"
	"fmt"
)

// Корневые категории ошибок. Конкретные типы ниже сопоставляются с ними через errors.Is.
var (
	// ErrValidation — некорректный ввод, вызывающий должен исправить запрос.
	ErrValidation = errors.New("validation failed")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition — нарушение машины состояний заказа.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnsupportedFormat — неизвестный формат экспорта.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

var (
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order id is required")
	// ErrOrderAlreadyExists — заказ с таким ID уже сохранён.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// Ошибка отсутствующего имени покупателя.
	ErrCustomerNameRequired = errors.New("customer name is required")
	// Ошибка отсутствующего email покупателя.
	ErrCustomerEmailRequired = errors.New("customer email is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка пустого названия позиции.
	ErrItemNameRequired = errors.New("item name is required")
	// Ошибка при некорректном количестве товара (< 1).
	ErrItemQtyInvalid = errors.New("item quantity must be at least 1")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item unit price must be non-negative")
	// Ошибка цены с долями цента.
	ErrItemPricePrecision = errors.New("item unit price must have at most 2 decimal places")
	// Ошибки неизвестных значений перечислений.
	ErrStatusInvalid            = errors.New("unknown order status")
	ErrPaymentStatusInvalid     = errors.New("unknown payment status")
	ErrFulfillmentStatusInvalid = errors.New("unknown fulfillment status")
	// Ошибка пустого трек-номера при отгрузке.
	ErrTrackingNumberRequired = errors.New("tracking number is required")
	// Ошибка неположительной суммы возврата.
	ErrRefundAmountInvalid = errors.New("refund amount must be greater than zero")
	// Ошибка превышения остатка, доступного к возврату.
	ErrRefundExceedsTotal = errors.New("refund amount exceeds refundable balance")
	// Ошибка суммы возврата с долями цента.
	ErrRefundAmountPrecision = errors.New("refund amount must have at most 2 decimal places")
	// Ошибка некорректной временной метки.
	ErrUpdatedBeforeCreated = errors.New("updated_at must not precede created_at")
	// ErrImmutableFieldChanged — мутация пытается изменить поле, фиксируемое при создании.
	ErrImmutableFieldChanged = errors.New("immutable order field changed")
	// ErrUpdatedAtRegressed — мутация сдвигает updated_at назад.
	ErrUpdatedAtRegressed = errors.New("updated_at must not decrease")
	// ErrFilterRangeInvalid — в фильтре from позже to.
	ErrFilterRangeInvalid = errors.New("filter range is invalid: from is after to")

	// ErrPaymentDeclined — платёж отклонён провайдером (бизнес-ошибка).
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPaymentTemporary — временная ошибка платёжного провайдера.
	ErrPaymentTemporary = errors.New("payment temporary error")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound — в outbox нет сообщения с таким id.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
)

// ValidationError описывает некорректное поле запроса.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrValidation, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrValidation, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// NewValidationError оборачивает причину в ValidationError.
func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// NotFoundError сообщает об отсутствии заказа.
type NotFoundError struct {
	OrderID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrOrderNotFound, e.OrderID)
}

func (e *NotFoundError) Unwrap() error { return ErrOrderNotFound }

// InvalidTransitionError сообщает о запрещённом переходе машины состояний.
type InvalidTransitionError struct {
	OrderID string
	From    string
	To      string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// UnsupportedFormatError сообщает о неизвестном формате экспорта.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnsupportedFormat, e.Format)
}

func (e *UnsupportedFormatError) Unwrap() error { return ErrUnsupportedFormat }

// IsValidation проверяет, является ли ошибка ошибкой валидации.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound проверяет, что заказ не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsInvalidTransition проверяет нарушение машины состояний.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
