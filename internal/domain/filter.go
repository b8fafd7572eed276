package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SortField задаёт поле сортировки списка заказов.
type SortField string

const (
	// SortNone — порядок вставки.
	SortNone      SortField = ""
	SortCreatedAt SortField = "createdAt"
	SortTotal     SortField = "total"
)

// Valid проверяет поддерживаемое поле сортировки.
func (f SortField) Valid() bool {
	return f == SortNone || f == SortCreatedAt || f == SortTotal
}

// ListFilter описывает выборку заказов.
// Пустые поля не ограничивают выборку; From включительно, To исключительно.
type ListFilter struct {
	Status        OrderStatus
	PaymentStatus PaymentStatus
	From          time.Time
	To            time.Time
	// Customer ищется подстрокой без учёта регистра в имени и email.
	Customer string
	SortBy   SortField
	SortDesc bool
	Limit    int
}

// Validate проверяет значения фильтра.
func (f ListFilter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return NewValidationError("status", ErrStatusInvalid)
	}
	if f.PaymentStatus != "" && !f.PaymentStatus.Valid() {
		return NewValidationError("paymentStatus", ErrPaymentStatusInvalid)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return NewValidationError("from", ErrFilterRangeInvalid)
	}
	if !f.SortBy.Valid() {
		return NewValidationError("sort", fmt.Errorf("unsupported sort field %q", f.SortBy))
	}
	if f.Limit < 0 {
		return NewValidationError("limit", fmt.Errorf("limit must be non-negative"))
	}
	return nil
}

// Matches проверяет, попадает ли заказ в выборку.
func (f ListFilter) Matches(order Order) bool {
	if f.Status != "" && order.Status != f.Status {
		return false
	}
	if f.PaymentStatus != "" && order.PaymentStatus != f.PaymentStatus {
		return false
	}
	if !f.From.IsZero() && order.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !order.CreatedAt.Before(f.To) {
		return false
	}
	if needle := strings.ToLower(strings.TrimSpace(f.Customer)); needle != "" {
		name := strings.ToLower(order.Customer.Name)
		email := strings.ToLower(order.Customer.Email)
		if !strings.Contains(name, needle) && !strings.Contains(email, needle) {
			return false
		}
	}
	return true
}

// Sorted сообщает, нужна ли материализация выборки для сортировки.
func (f ListFilter) Sorted() bool {
	return f.SortBy != SortNone
}

// CacheKey возвращает стабильное текстовое представление фильтра.
func (f ListFilter) CacheKey() string {
	return fmt.Sprintf("s=%s|p=%s|f=%d|t=%d|c=%s|o=%s|d=%t|l=%d",
		f.Status,
		f.PaymentStatus,
		unixNanoOrZero(f.From),
		unixNanoOrZero(f.To),
		strings.ToLower(strings.TrimSpace(f.Customer)),
		f.SortBy,
		f.SortDesc,
		f.Limit,
	)
}

// SortOrders сортирует заказы стабильно, сохраняя порядок вставки для равных ключей.
func SortOrders(orders []Order, by SortField, desc bool) {
	if by == SortNone {
		return
	}
	less := func(a, b Order) bool {
		switch by {
		case SortTotal:
			return a.Total().LessThan(b.Total())
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if desc {
			return less(orders[j], orders[i])
		}
		return less(orders[i], orders[j])
	})
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
