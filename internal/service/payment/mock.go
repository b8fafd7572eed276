package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// Call — зафиксированный вызов платёжного провайдера.
type Call struct {
	OrderID  string
	RefundID string
	Amount   decimal.Decimal
}

// MockGateway — конфигурируемая заглушка PaymentGateway для локального запуска и тестов.
// Повторный Refund с тем же refundID не списывает деньги второй раз.
type MockGateway struct {
	mu sync.Mutex

	CaptureErr error
	RefundErr  error

	captures []Call
	refunds  map[string]Call
	order    []string
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{refunds: make(map[string]Call)}
}

// Capture фиксирует списание либо возвращает настроенную ошибку.
func (m *MockGateway) Capture(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CaptureErr != nil {
		return fmt.Errorf("capture %s: %w", orderID, m.CaptureErr)
	}
	m.captures = append(m.captures, Call{OrderID: orderID, Amount: amount})
	return nil
}

// Refund фиксирует возврат либо возвращает настроенную ошибку.
func (m *MockGateway) Refund(ctx context.Context, orderID, refundID string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RefundErr != nil {
		return fmt.Errorf("refund %s: %w", orderID, m.RefundErr)
	}
	if _, seen := m.refunds[refundID]; seen {
		return nil
	}
	m.refunds[refundID] = Call{OrderID: orderID, RefundID: refundID, Amount: amount}
	m.order = append(m.order, refundID)
	return nil
}

// Captures возвращает копию выполненных списаний.
func (m *MockGateway) Captures() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.captures...)
}

// Refunds возвращает выполненные возвраты в порядке поступления.
func (m *MockGateway) Refunds() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Call, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, m.refunds[id])
	}
	return result
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
